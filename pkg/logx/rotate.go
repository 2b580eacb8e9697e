package logx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RotatingFile is an append-only file that rotates itself once its size
// exceeds MaxBytes. The check happens before each write, so a single write
// may push the active file past the limit; the next write lands in a fresh file.
//
// Backups are named <base>.1<ext> (newest) up to <base>.<MaxBackups><ext> (oldest).
type RotatingFile struct {
	mu sync.Mutex

	path       string
	maxBytes   int64
	maxBackups int

	f      *os.File
	size   int64
	closed bool
}

// OpenRotatingFile opens (or creates) path for appending.
func OpenRotatingFile(path string, maxBytes int64, maxBackups int) (*RotatingFile, error) {
	if maxBytes <= 0 {
		return nil, errors.New("logx: max bytes must be > 0")
	}
	if maxBackups < 0 {
		maxBackups = 0
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	r := &RotatingFile{path: path, maxBytes: maxBytes, maxBackups: maxBackups}
	if err := r.openLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// BackupName returns the path of the n-th backup (1 = newest).
func BackupName(path string, n int) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s.%d%s", base, n, ext)
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, os.ErrClosed
	}
	if r.f == nil {
		if err := r.openLocked(); err != nil {
			return 0, err
		}
	}
	if r.size > r.maxBytes {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

// Rotate forces a rotation regardless of size.
func (r *RotatingFile) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}
	return r.rotateLocked()
}

// Close is final: later writes fail with os.ErrClosed instead of reopening.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func (r *RotatingFile) openLocked() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	r.f = f
	r.size = st.Size()
	return nil
}

func (r *RotatingFile) rotateLocked() error {
	if r.f != nil {
		if err := r.f.Close(); err != nil {
			return err
		}
		r.f = nil
	}

	if r.maxBackups == 0 {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return r.openLocked()
	}

	// Oldest falls off the end.
	if err := os.Remove(BackupName(r.path, r.maxBackups)); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := r.maxBackups - 1; i >= 1; i-- {
		src := BackupName(r.path, i)
		if err := os.Rename(src, BackupName(r.path, i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Rename(r.path, BackupName(r.path, 1)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return r.openLocked()
}
