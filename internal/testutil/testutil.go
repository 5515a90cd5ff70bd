// Package testutil builds archive fixtures and fault-injecting readers for
// tests.
package testutil

import (
	"errors"
	"io"
)

// ErrInjected is the error returned by FailingReader.
var ErrInjected = errors.New("testutil: injected failure")

// FailingReader returns data and then fails with ErrInjected instead of EOF.
type FailingReader struct {
	data []byte
	off  int
}

// NewFailingReader returns a reader that yields data and then fails.
func NewFailingReader(data []byte) *FailingReader {
	return &FailingReader{data: data}
}

// Read implements io.Reader.
func (r *FailingReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, ErrInjected
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

// FailingWriter accepts limit bytes and then fails with ErrInjected.
type FailingWriter struct {
	W     io.Writer
	Limit int
	n     int
}

// Write implements io.Writer.
func (w *FailingWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > w.Limit {
		return 0, ErrInjected
	}
	w.n += len(p)
	if w.W == nil {
		return len(p), nil
	}
	return w.W.Write(p)
}
