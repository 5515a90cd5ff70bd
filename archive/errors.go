package archive

import (
	"errors"
	"io"
)

// Sentinel errors for archive operations.
var (
	// ErrFormat is returned when a stream is not a supported archive or is corrupt.
	ErrFormat = errors.New("archive: unsupported or corrupt format")

	// ErrSizeOverflow is returned when an entry or a spooled archive exceeds
	// the configured size limit.
	ErrSizeOverflow = errors.New("archive: entry size overflow")

	// ErrTooManyEntries is returned when an archive exceeds the configured entry limit.
	ErrTooManyEntries = errors.New("archive: too many entries")
)

// ioError marks failures of the staging area so Decode can tell them apart
// from malformed input.
type ioError struct {
	err error
}

func (e *ioError) Error() string { return e.err.Error() }
func (e *ioError) Unwrap() error { return e.err }

// sourceReader records the first non-EOF error returned by the wrapped reader.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && s.err == nil {
		s.err = err
	}
	return n, err
}

// stagingWriter tags write failures as I/O errors.
type stagingWriter struct {
	w io.Writer
}

func (s stagingWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, &ioError{err: err}
	}
	return n, nil
}
