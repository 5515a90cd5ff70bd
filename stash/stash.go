// Package stash holds the content of archive entries in custody while the
// archive is focused on one of its siblings.
//
// A stash maps an opaque key to the bytes of one entry. Put hands content to
// the stash. Restoring is two-phase: Open reads the content back without
// giving it up, and Delete forgets the key once the caller has the bytes
// safely elsewhere. A failed restore therefore never costs the entry, and a
// deleted key is never restored again. Backends verify a sha256 digest
// recorded at Put time while the content is read back.
package stash

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
)

// Sentinel errors for stash operations.
var (
	// ErrMiss is returned by Open and Delete for unknown or deleted keys.
	ErrMiss = errors.New("stash: no entry for key")

	// ErrExists is returned by Put when the key is already in use.
	ErrExists = errors.New("stash: key already in use")

	// ErrInvalidKey is returned for keys that are not canonical UUIDs.
	ErrInvalidKey = errors.New("stash: invalid key")

	// ErrDigestMismatch is returned while reading opened content whose digest
	// no longer matches the digest recorded at Put.
	ErrDigestMismatch = errors.New("stash: digest mismatch")

	// ErrFull is returned by Put when a size-capped backend has no room.
	ErrFull = errors.New("stash: capacity exceeded")
)

// Stash is temporary custody of entry content. Implementations must be safe
// for concurrent use.
type Stash interface {
	// Put stores the content read from r under key.
	Put(ctx context.Context, key string, r io.Reader) error

	// Open returns the content stored under key, leaving the entry in place.
	// The caller must close the returned reader. Reading it to the end
	// verifies the content and fails with ErrDigestMismatch if it changed.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the entry stored under key. Of concurrent Deletes of
	// one key exactly one succeeds; the others fail with ErrMiss.
	Delete(ctx context.Context, key string) error
}

// Take reads the entry stored under key to the end and deletes it once the
// content has been verified. Content that fails to read stays stashed.
func Take(ctx context.Context, s Stash, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	if closeErr := rc.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}
	if err := s.Delete(ctx, key); err != nil {
		return nil, err
	}
	return data, nil
}

// NewKey returns a fresh key: a random lowercase UUID.
func NewKey() string {
	return uuid.NewString()
}

// CheckKey returns ErrInvalidKey unless key is a canonical lowercase UUID.
// Backends check keys before touching storage since keys travel in record
// attributes.
func CheckKey(key string) error {
	id, err := uuid.Parse(key)
	if err != nil || id.String() != key {
		return ErrInvalidKey
	}
	return nil
}
