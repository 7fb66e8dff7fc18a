package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RotatingWriter appends to a log file and shifts it to a numbered backup
// once it passes a size limit. recorder.log rotates to recorder.1.log,
// recorder.1.log to recorder.2.log, and so on.
type RotatingWriter struct {
	path    string
	limit   int64
	backups int

	mu   sync.Mutex
	f    *os.File
	size int64
}

func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 20
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	w := &RotatingWriter{path: path, limit: int64(maxSizeMB) << 20, backups: maxBackups}
	if err := w.reopen(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotateLocked(); err != nil {
			return 0, fmt.Errorf("rotate %s: %w", w.path, err)
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// Rotate starts a new file immediately.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingWriter) reopen() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.f, w.size = f, st.Size()
	return nil
}

func (w *RotatingWriter) rotateLocked() error {
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
	for i := w.backups - 1; i >= 1; i-- {
		os.Rename(w.backup(i), w.backup(i+1))
	}
	if err := os.Rename(w.path, w.backup(1)); err != nil && !os.IsNotExist(err) {
		return err
	}
	w.prune()
	return w.reopen()
}

// prune removes backups numbered past the limit, including ones left by a
// previous run with a larger limit.
func (w *RotatingWriter) prune() {
	ext := filepath.Ext(w.path)
	stem := strings.TrimSuffix(w.path, ext)
	matches, _ := filepath.Glob(stem + ".*" + ext)
	for _, m := range matches {
		var n int
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(m, stem+"."), ext), "%d", &n); err != nil {
			continue
		}
		if n > w.backups {
			os.Remove(m)
		}
	}
}

func (w *RotatingWriter) backup(n int) string {
	ext := filepath.Ext(w.path)
	return fmt.Sprintf("%s.%d%s", strings.TrimSuffix(w.path, ext), n, ext)
}
