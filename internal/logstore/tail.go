package logstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"polydev/internal/logging"
)

// Tailer follows a growing file by polling its size. Only the newly appended
// byte range is read; a trailing partial line is carried over until its
// newline arrives, so the callback always receives whole lines.
//
// When the followed file is renamed away (size rotation) or the path moves
// on to a new file (day rollover), whatever was appended to the old file
// since the last poll is read before switching.
type Tailer struct {
	path     func() string
	interval time.Duration
	fn       func(line string)

	// FromStart delivers the existing content on the first poll instead of
	// skipping to the end.
	FromStart bool

	started bool
	current string
	info    os.FileInfo
	offset  int64
	carry   []byte
}

// NewTailer follows a fixed path.
func NewTailer(path string, interval time.Duration, fn func(line string)) *Tailer {
	return NewTailerFunc(func() string { return path }, interval, fn)
}

// NewTailerFunc re-evaluates the path on every poll, so a tailer can follow a
// service across day boundaries.
func NewTailerFunc(path func() string, interval time.Duration, fn func(line string)) *Tailer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Tailer{path: path, interval: interval, fn: fn}
}

// Watch calls fn with every line appended to a service's logs until ctx is
// done, following rotations and day files. Lines written before the call are
// not delivered.
func (s *Store) Watch(ctx context.Context, serviceDir string, interval time.Duration, fn func(line string)) error {
	return NewTailerFunc(func() string { return s.CurrentFile(serviceDir) }, interval, fn).Run(ctx)
}

// Run polls until ctx is canceled.
func (t *Tailer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	if err := t.Poll(); err != nil {
		logging.Debug().Err(err).Str("file", t.path()).Msg("tail poll failed")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Poll(); err != nil {
				logging.Debug().Err(err).Str("file", t.path()).Msg("tail poll failed")
			}
		}
	}
}

// Poll performs one stat-and-read step.
func (t *Tailer) Poll() error {
	path := t.path()
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// rotated away, or not created yet; the replacement is read from its start
			t.drainPrevious()
			t.reset(path, nil)
			t.started = true
			return nil
		}
		return err
	}

	if !t.started {
		t.started = true
		t.current, t.info = path, info
		if !t.FromStart {
			t.offset = info.Size()
			return nil
		}
	}

	switch {
	case path != t.current || (t.info != nil && !os.SameFile(t.info, info)):
		t.drainPrevious()
		t.reset(path, info)
	case info.Size() < t.offset:
		// truncated in place
		t.reset(path, info)
	}
	t.info = info

	n, err := t.readFrom(path, info.Size())
	if err != nil {
		return err
	}
	t.offset += n
	return nil
}

// readFrom delivers the bytes of path between the current offset and size.
func (t *Tailer) readFrom(path string, size int64) (int64, error) {
	if size <= t.offset {
		return 0, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	chunk := make([]byte, size-t.offset)
	n, err := f.ReadAt(chunk, t.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	t.emit(chunk[:n])
	return int64(n), nil
}

// drainPrevious reads the rest of the file followed so far, wherever it now
// lives: still at its old path after a day rollover, or under a new name in
// the same directory after a rotation.
func (t *Tailer) drainPrevious() {
	if t.info == nil || t.current == "" {
		return
	}
	path, info := locate(t.current, t.info)
	if info == nil {
		return
	}
	if _, err := t.readFrom(path, info.Size()); err != nil {
		logging.Debug().Err(err).Str("file", path).Msg("could not drain previous log file")
	}
}

// locate finds the file identified by prev, first at its old path, then
// among its renamed siblings.
func locate(oldPath string, prev os.FileInfo) (string, os.FileInfo) {
	if info, err := os.Stat(oldPath); err == nil && os.SameFile(prev, info) {
		return oldPath, info
	}
	dir := filepath.Dir(oldPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if info, err := os.Stat(p); err == nil && os.SameFile(prev, info) {
			return p, info
		}
	}
	return "", nil
}

func (t *Tailer) reset(path string, info os.FileInfo) {
	t.current = path
	t.info = info
	t.offset = 0
	t.carry = nil
}

func (t *Tailer) emit(chunk []byte) {
	data := append(t.carry, chunk...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(data[:idx], "\r"))
		data = data[idx+1:]
		if line != "" {
			t.fn(line)
		}
	}
	t.carry = append([]byte(nil), data...)
}
