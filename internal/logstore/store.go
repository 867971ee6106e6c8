// Package logstore keeps per-service JSON-lines logs under {serviceDir}/.logs,
// one file per calendar day, rotated by size with a bounded number of archives.
package logstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"polydev/internal/metrics"
	"polydev/internal/models"
)

const (
	DirName            = ".logs"
	DefaultMaxFileSize = 10 * 1024 * 1024
	DefaultMaxArchives = 10
	dayLayout          = "2006-01-02"
)

var (
	dayFileRE  = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\.log$`)
	archiveRE  = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})-(\d+)\.log$`)
	anyLogFile = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})(-\d+)?\.log$`)
)

// Store is safe for concurrent use. Appends to one file are serialized so the
// size check and rotation see a consistent file.
type Store struct {
	MaxFileSize int64
	MaxArchives int

	mu  sync.Mutex
	now func() time.Time
}

func New(maxFileSize int64, maxArchives int) *Store {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if maxArchives <= 0 {
		maxArchives = DefaultMaxArchives
	}
	return &Store{MaxFileSize: maxFileSize, MaxArchives: maxArchives, now: time.Now}
}

// Dir is the log directory of a service.
func Dir(serviceDir string) string {
	return filepath.Join(serviceDir, DirName)
}

// CurrentFile is today's active log file for a service.
func (s *Store) CurrentFile(serviceDir string) string {
	return filepath.Join(Dir(serviceDir), s.now().Format(dayLayout)+".log")
}

// Append writes one entry as a JSON line and rotates the file once it grows
// past MaxFileSize. Callers on diagnostic paths should use Logger, which logs
// and discards the error.
func (s *Store) Append(serviceDir string, entry models.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	if entry.Level == "" {
		entry.Level = models.LevelInfo
	}
	if entry.Data == nil {
		entry.Data = map[string]interface{}{}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	line = append(line, '\n')

	dir := Dir(serviceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.CurrentFile(serviceDir)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}

	return s.rotateIfNeeded(path)
}

func (s *Store) rotateIfNeeded(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() <= s.MaxFileSize {
		return nil
	}

	dir := filepath.Dir(path)
	day := dayFileRE.FindStringSubmatch(filepath.Base(path))[1]
	stamp := s.now().UnixNano()
	archive := filepath.Join(dir, day+"-"+strconv.FormatInt(stamp, 10)+".log")
	for {
		if _, err := os.Stat(archive); errors.Is(err, os.ErrNotExist) {
			break
		}
		stamp++
		archive = filepath.Join(dir, day+"-"+strconv.FormatInt(stamp, 10)+".log")
	}
	if err := os.Rename(path, archive); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	metrics.LogRotations.Inc()
	return s.prune(dir)
}

// prune keeps the newest MaxArchives archives by modification time.
func (s *Store) prune(dir string) error {
	archives, err := archiveFiles(dir)
	if err != nil {
		return err
	}
	if len(archives) <= s.MaxArchives {
		return nil
	}
	var errs []error
	for _, a := range archives[s.MaxArchives:] {
		if err := os.Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type fileInfo struct {
	path    string
	name    string
	modTime time.Time
}

// archiveFiles returns rotated archives, newest first.
func archiveFiles(dir string) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []fileInfo
	for _, e := range entries {
		if e.IsDir() || !archiveRE.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileInfo{path: filepath.Join(dir, e.Name()), name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].modTime.Equal(out[j].modTime) {
			return out[i].modTime.After(out[j].modTime)
		}
		return out[i].name > out[j].name
	})
	return out, nil
}

// Archives lists the rotated archives of a service, newest first.
func (s *Store) Archives(serviceDir string) ([]string, error) {
	files, err := archiveFiles(Dir(serviceDir))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// Files lists every day file and archive of a service in chronological order:
// for one day the archives sort before the active file.
func (s *Store) Files(serviceDir string) ([]string, error) {
	dir := Dir(serviceDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && anyLogFile.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(dir, n)
	}
	return out, nil
}

// Clear deletes every log file of a service. The directory itself is kept.
func (s *Store) Clear(serviceDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.Files(serviceDir)
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func fileDay(path string) (time.Time, bool) {
	m := anyLogFile.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(dayLayout, m[1], time.Local)
	return t, err == nil
}
