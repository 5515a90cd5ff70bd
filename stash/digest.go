package stash

import (
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// Digest copies r to w and returns the sha256 digest of the copied bytes.
func Digest(w io.Writer, r io.Reader) (digest.Digest, int64, error) {
	d := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(w, d.Hash()), r)
	if err != nil {
		return "", n, err
	}
	return d.Digest(), n, nil
}

// verifyingReader checks content against its expected digest at EOF.
type verifyingReader struct {
	rc       io.ReadCloser
	verifier digest.Verifier
	expected digest.Digest
}

// NewVerifyingReader wraps rc so that reaching EOF fails with
// ErrDigestMismatch unless the content read matches expected.
func NewVerifyingReader(rc io.ReadCloser, expected digest.Digest) (io.ReadCloser, error) {
	if err := expected.Validate(); err != nil {
		return nil, fmt.Errorf("stash: stored digest %q: %w", expected, err)
	}
	return &verifyingReader{rc: rc, verifier: expected.Verifier(), expected: expected}, nil
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		_, _ = r.verifier.Write(p[:n]) //nolint:errcheck // digest writers never fail
	}
	if errors.Is(err, io.EOF) && !r.verifier.Verified() {
		return n, fmt.Errorf("%w: expected %s", ErrDigestMismatch, r.expected)
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	return r.rc.Close()
}
