package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter writes log output to dated files that roll over on day
// change (UTC) and when the current file would exceed MaxBytes.
//
// For a base path of logs/relay.log the active file is named
// logs/relay-2026-09-01.log, then logs/relay-2026-09-01-2.log after a size
// rollover within the same day. The base path itself is maintained as a
// symlink to the active file so tail -F keeps working across rotations.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	mu      sync.Mutex
	day     string
	index   int
	file    *os.File
	written int64
}

// NewRotatingWriter opens the writer for basePath. A basePath of "-"
// disables file output entirely.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	rw := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes}
	if err := rw.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	if err == nil {
		w.written += int64(n)
	}
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// rotateIfNeeded opens a fresh file on day change or when incoming bytes
// would push the current file past MaxBytes. Caller holds the lock.
func (w *RotatingWriter) rotateIfNeeded(incoming int64) error {
	// Day boundary is UTC to avoid timezone surprises
	today := time.Now().UTC().Format("2006-01-02")
	if w.file == nil || w.day != today {
		w.day = today
		w.index = 1
		return w.openCurrent()
	}
	if w.written+incoming > w.MaxBytes {
		w.index++
		return w.openCurrent()
	}
	return nil
}

func (w *RotatingWriter) openCurrent() error {
	if w.file != nil {
		_ = w.file.Close()
	}

	dir, name := filepath.Split(w.BasePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	filename := fmt.Sprintf("%s-%s%s", base, w.day, ext)
	if w.index > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", base, w.day, w.index, ext)
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
	w.written = size
	w.updatePointer(path)
	return nil
}

// updatePointer keeps BasePath pointing at the active file. Symlink is
// preferred; on filesystems without symlink support fall back to a hard
// link, then to a plain text pointer.
func (w *RotatingWriter) updatePointer(target string) {
	base := strings.TrimSpace(w.BasePath)
	if base == "" || base == "-" {
		return
	}
	if info, err := os.Lstat(base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, derr := os.Readlink(base); derr == nil && dest == target {
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
	if f, err := os.OpenFile(base, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		defer f.Close()
		_, _ = fmt.Fprintf(f, "current log file: %s\n", target)
	}
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

// New builds a logger with the given prefix. When path is non-empty, output
// goes to a rotating file; set mirror to also keep writing to stderr.
func New(prefix, path string, mirror bool) (*log.Logger, io.Closer, error) {
	flags := log.LstdFlags | log.Lmicroseconds
	if strings.TrimSpace(path) == "" {
		return log.New(os.Stderr, prefix, flags), nil, nil
	}
	// 50 MB per file before same-day rollover
	w, err := NewRotatingWriter(path, 50*1024*1024)
	if err != nil {
		return nil, nil, err
	}
	var out io.Writer = w
	if mirror {
		out = io.MultiWriter(os.Stderr, w)
	}
	return log.New(out, prefix, flags), w, nil
}
