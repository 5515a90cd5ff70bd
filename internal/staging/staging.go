// Package staging manages the per-invocation temporary files that hold entry
// content between decode and encode.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const defaultDirPerm = 0o700

// ErrClosed is returned when a staging area is used after Close.
var ErrClosed = errors.New("staging: area closed")

// Area is a private temporary directory. Every file created through an Area
// is removed by Close, which callers defer right after New.
// Area is safe for concurrent use.
type Area struct {
	mu     sync.Mutex
	dir    string
	closed bool
}

// New creates a staging area under parent. An empty parent uses os.TempDir.
func New(parent string) (*Area, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, defaultDirPerm); err != nil {
			return nil, err
		}
	}
	dir, err := os.MkdirTemp(parent, "lens-stage-*")
	if err != nil {
		return nil, fmt.Errorf("create staging area: %w", err)
	}
	return &Area{dir: dir}, nil
}

// Dir returns the directory backing the area.
func (a *Area) Dir() string {
	return a.dir
}

// Create opens a fresh, empty staging file for writing.
func (a *Area) Create() (*os.File, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	return os.CreateTemp(a.dir, "entry-*")
}

// Stage copies r into a fresh staging file and returns its path and size.
func (a *Area) Stage(r io.Reader) (string, int64, error) {
	f, err := a.Create()
	if err != nil {
		return "", 0, err
	}
	path := f.Name()
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", 0, err
	}
	return path, n, nil
}

// Clone copies the staging file at path into a fresh staging file.
func (a *Area) Clone(path string) (string, error) {
	src, err := os.Open(path) //nolint:gosec // path was created by this area
	if err != nil {
		return "", err
	}
	defer src.Close()
	clone, _, err := a.Stage(src)
	return clone, err
}

// Remove deletes a staging file early. Missing files are ignored.
func (a *Area) Remove(path string) error {
	if path == "" {
		return nil
	}
	if filepath.Dir(path) != a.dir {
		return fmt.Errorf("staging: %s is outside the area", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close removes the area and everything staged in it.
func (a *Area) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return os.RemoveAll(a.dir)
}
