package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes caps a single log file before it rolls over within the day.
const DefaultMaxBytes int64 = 100 << 20

// RotatingWriter appends to dated log files, starting a new file each UTC day
// and whenever the current one would grow past MaxBytes.
//
// For a base path of logs/chatd.log the files are logs/chatd-2026-10-18.log,
// logs/chatd-2026-10-18-2.log and so on. The base path itself is kept as a
// link to the file currently being written.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	mu    sync.Mutex
	clock func() time.Time
	day   string
	index int
	file  *os.File
	size  int64
}

// NewRotatingWriter opens the writer for basePath. A basePath of "-" discards
// everything written.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	return newRotatingWriter(basePath, maxBytes, time.Now)
}

func newRotatingWriter(basePath string, maxBytes int64, clock func() time.Time) (*RotatingWriter, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	rw := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes, clock: clock}
	if err := rw.rotate(0); err != nil {
		return nil, err
	}
	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// CurrentPath returns the file currently receiving writes.
func (w *RotatingWriter) CurrentPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ""
	}
	return w.file.Name()
}

func (w *RotatingWriter) rotate(incoming int64) error {
	today := w.clock().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.index = 1
	case w.size > 0 && w.size+incoming > w.MaxBytes:
		w.index++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	dir, name := filepath.Split(w.BasePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	filename := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.index > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.index, ext)
	}
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	w.file = f
	w.size = size
	w.link(path)
	return nil
}

// link points BasePath at target: a symlink where possible, then a hard link,
// then a text file naming the target.
func (w *RotatingWriter) link(target string) {
	base := strings.TrimSpace(w.BasePath)
	if base == "" {
		return
	}
	if info, err := os.Lstat(base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(base); err == nil && dest == target {
				return
			}
		}
		_ = os.Remove(base)
	}
	if err := os.Symlink(target, base); err == nil {
		return
	}
	if err := os.Link(target, base); err == nil {
		return
	}
	_ = os.WriteFile(base, []byte("current log file: "+target+"\n"), 0o644)
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
