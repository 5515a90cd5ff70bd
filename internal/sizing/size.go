// Package sizing provides safe size arithmetic and bounded copies.
package sizing

import (
	"io"
	"math"
)

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// CopyWithLimit copies from src to dst until EOF.
// Returns overflowErr once more than maxSize bytes are available; maxSize 0
// disables the limit. The bytes copied before the overflow are left in dst.
func CopyWithLimit(dst io.Writer, src io.Reader, maxSize uint64, overflowErr error) (int64, error) {
	if maxSize == 0 {
		return io.Copy(dst, src)
	}
	if maxSize > uint64(math.MaxInt64-1) {
		return 0, overflowErr
	}
	limit := int64(maxSize) + 1 //nolint:gosec // checked above
	n, err := io.Copy(dst, &io.LimitedReader{R: src, N: limit})
	if err != nil {
		return n, err
	}
	if uint64(n) > maxSize { //nolint:gosec // n is never negative
		return n, overflowErr
	}
	return n, nil
}
