package logstore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"polydev/internal/logging"
	"polydev/internal/models"
)

const maxLineSize = 1024 * 1024

// ReadOptions filter a read. Zero values disable a filter.
type ReadOptions struct {
	// Service labels freeform lines; defaults to the service directory name.
	Service string
	// Tail keeps the last N matching entries.
	Tail int
	// Level keeps entries at or above this priority.
	Level models.LogLevel
	// Since keeps entries with Timestamp >= Since.
	Since time.Time
	// Filter is a case-insensitive regular expression, or a plain substring
	// when it does not compile, matched against the message or raw line.
	Filter string
}

// Read loads a service's logs oldest first. Unreadable files are skipped.
// Tail is applied after every other filter, so it means the last N matching lines.
func (s *Store) Read(serviceDir string, opts ReadOptions) ([]models.LogEntry, error) {
	if opts.Service == "" {
		opts.Service = filepath.Base(serviceDir)
	}
	files, err := s.Files(serviceDir)
	if err != nil {
		return nil, err
	}
	match := newMatcher(opts)

	entries := []models.LogEntry{}
	for _, path := range files {
		if !opts.Since.IsZero() {
			// day files are named in local time; allow a day of slack for zones
			if day, ok := fileDay(path); ok && day.AddDate(0, 0, 2).Before(opts.Since) {
				continue
			}
		}
		entries = append(entries, readFile(path, opts.Service, match)...)
	}
	return Tail(entries, opts.Tail), nil
}

func readFile(path, service string, match func(models.LogEntry) bool) []models.LogEntry {
	f, err := os.Open(path)
	if err != nil {
		logging.Debug().Err(err).Str("file", path).Msg("skipping unreadable log file")
		return nil
	}
	defer f.Close()

	var out []models.LogEntry
	err = eachLine(f, maxLineSize, func(line []byte) {
		entry, ok := ParseLine(string(line), service)
		if ok && match(entry) {
			out = append(out, entry)
		}
	})
	if err != nil {
		logging.Debug().Err(err).Str("file", path).Msg("log file read stopped early")
	}
	return out
}

// eachLine calls fn for every line of r without its line ending. Lines longer
// than limit are skipped whole and reading continues after them.
func eachLine(r io.Reader, limit int, fn func(line []byte)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	oversized := false
	for {
		frag, err := br.ReadSlice('\n')
		if !oversized {
			if len(buf)+len(frag) > limit {
				oversized = true
				buf = buf[:0]
			} else {
				buf = append(buf, frag...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if oversized {
			logging.Debug().Int("limit", limit).Msg("skipping oversized log line")
		} else if line := bytes.TrimRight(buf, "\r\n"); len(line) > 0 {
			fn(line)
		}
		buf = buf[:0]
		oversized = false

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Filter applies the content filters of opts to already parsed entries, then the tail.
func Filter(entries []models.LogEntry, opts ReadOptions) []models.LogEntry {
	match := newMatcher(opts)
	out := make([]models.LogEntry, 0, len(entries))
	for _, e := range entries {
		if match(e) {
			out = append(out, e)
		}
	}
	return Tail(out, opts.Tail)
}

func newMatcher(opts ReadOptions) func(models.LogEntry) bool {
	minPriority := -1
	if opts.Level != "" {
		minPriority = opts.Level.Priority()
	}

	var text func(string) bool
	if opts.Filter != "" {
		if re, err := regexp.Compile("(?i)" + opts.Filter); err == nil {
			text = re.MatchString
		} else {
			needle := strings.ToLower(opts.Filter)
			text = func(s string) bool { return strings.Contains(strings.ToLower(s), needle) }
		}
	}

	return func(e models.LogEntry) bool {
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			return false
		}
		if e.Level.Priority() < minPriority {
			return false
		}
		if text != nil && !text(e.Message) && !text(e.Raw) {
			return false
		}
		return true
	}
}

// Tail returns the last n entries, or all of them when n <= 0.
func Tail(entries []models.LogEntry, n int) []models.LogEntry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

// Merge interleaves several services' logs by timestamp. Entries with equal
// timestamps keep their input order.
func Merge(sets ...[]models.LogEntry) []models.LogEntry {
	var out []models.LogEntry
	for _, s := range sets {
		out = append(out, s...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Source names one service's log location.
type Source struct {
	Service string
	Dir     string
}

// ReadAll reads several services and merges them by timestamp. Tail applies to
// the merged result. A service that cannot be read is logged and skipped.
func (s *Store) ReadAll(sources []Source, opts ReadOptions) []models.LogEntry {
	sets := make([][]models.LogEntry, 0, len(sources))
	for _, src := range sources {
		o := opts
		o.Service = src.Service
		entries, err := s.Read(src.Dir, o)
		if err != nil {
			logging.Warn().Err(err).Str("service", src.Service).Msg("reading logs failed")
			continue
		}
		sets = append(sets, entries)
	}
	merged := Merge(sets...)
	if merged == nil {
		merged = []models.LogEntry{}
	}
	return Tail(merged, opts.Tail)
}

// ParseSince accepts an RFC 3339 time, a YYYY-MM-DD date in local time, or a
// duration such as 15m meaning that long before now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(dayLayout, s, time.Local); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid since %q: want RFC 3339, YYYY-MM-DD or a duration", s)
}
