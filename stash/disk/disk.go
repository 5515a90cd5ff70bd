// Package disk provides a filesystem-backed stash.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/lens/stash"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700

	digestSuffix = ".digest"
	claimInfix   = ".claim-"
	tempPrefix   = "put-"
)

// Stash implements stash.Stash on the local filesystem. Entries live in
// sharded directories; each entry is a content file plus a digest sidecar.
type Stash struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	logger         *slog.Logger

	// mu serializes the capacity check with the commit of a Put.
	mu sync.Mutex
}

// Option configures a disk stash.
type Option func(*Stash)

// WithShardPrefixLen sets the number of key characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Stash) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for stash directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Stash) {
		s.dirPerm = mode
	}
}

// WithMaxBytes caps the bytes held on disk. Put fails with stash.ErrFull
// rather than exceed it. Zero means no cap.
func WithMaxBytes(n int64) Option {
	return func(s *Stash) {
		s.maxBytes = n
	}
}

// WithLogger sets the logger for stash operations.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stash) {
		s.logger = logger
	}
}

// New creates a disk stash rooted at dir.
func New(dir string, opts ...Option) (*Stash, error) {
	if dir == "" {
		return nil, errors.New("stash dir is empty")
	}
	s := &Stash{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if s.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stash) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Put implements stash.Stash. Content is written to a temporary file and
// linked into place, so a key never names partial content.
func (s *Stash) Put(ctx context.Context, key string, r io.Reader) error {
	if err := stash.CheckKey(key); err != nil {
		return err
	}
	path := s.path(key)
	if _, err := os.Stat(path); err == nil {
		return stash.ErrExists
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // gone after a successful link

	dgst, n, err := stash.Digest(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCapacity(); err != nil {
		return err
	}
	if err := s.commit(tmpPath, path, dgst); err != nil {
		return err
	}
	s.log().Debug("stashed entry", "key", key, "size", n, "digest", dgst.String())
	return nil
}

// commit publishes the digest sidecar and then the content. Linking fails
// when the target exists, which makes the existence check race free.
func (s *Stash) commit(tmpPath, path string, dgst digest.Digest) error {
	sidecar := path + digestSuffix
	if err := writeExclusive(sidecar, []byte(dgst.String())); err != nil {
		if errors.Is(err, os.ErrExist) {
			return stash.ErrExists
		}
		return err
	}
	if err := os.Link(tmpPath, path); err != nil {
		_ = os.Remove(sidecar)
		if errors.Is(err, os.ErrExist) {
			return stash.ErrExists
		}
		return err
	}
	return nil
}

func (s *Stash) checkCapacity() error {
	if s.maxBytes == 0 {
		return nil
	}
	used, err := dirSize(s.dir)
	if err != nil {
		return err
	}
	// used already includes the pending temporary file.
	if used > s.maxBytes {
		return fmt.Errorf("%w: %d bytes in use, cap %d", stash.ErrFull, used, s.maxBytes)
	}
	return nil
}

// Open implements stash.Stash. The entry stays on disk until Delete.
func (s *Stash) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := stash.CheckKey(key); err != nil {
		return nil, err
	}
	path := s.path(key)
	f, err := os.Open(path) //nolint:gosec // path is derived from a validated key
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, stash.ErrMiss
		}
		return nil, err
	}

	raw, err := os.ReadFile(path + digestSuffix) //nolint:gosec // path is derived from a validated key
	if err != nil {
		f.Close()
		if errors.Is(err, os.ErrNotExist) {
			return nil, stash.ErrMiss
		}
		return nil, fmt.Errorf("read digest for %s: %w", key, err)
	}
	rc, err := stash.NewVerifyingReader(f, digest.Digest(strings.TrimSpace(string(raw))))
	if err != nil {
		f.Close()
		return nil, err
	}
	return rc, nil
}

// Delete implements stash.Stash. The content file is claimed with a rename,
// so concurrent Deletes of one key see exactly one winner.
func (s *Stash) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := stash.CheckKey(key); err != nil {
		return err
	}
	path := s.path(key)
	claimed := path + claimInfix + stash.NewKey()
	if err := os.Rename(path, claimed); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return stash.ErrMiss
		}
		return err
	}
	if err := os.Remove(path + digestSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log().Warn("failed to remove digest sidecar", "key", key, "error", err)
	}
	if err := os.Remove(claimed); err != nil {
		// Prune collects the claim later.
		s.log().Warn("failed to remove claimed entry", "key", key, "error", err)
	}
	s.log().Debug("deleted entry", "key", key)
	return nil
}

// Size returns the bytes currently held on disk.
func (s *Stash) Size() (int64, error) {
	return dirSize(s.dir)
}

func (s *Stash) path(key string) string {
	if s.shardPrefixLen <= 0 {
		return filepath.Join(s.dir, key)
	}
	prefixLen := min(s.shardPrefixLen, len(key))
	return filepath.Join(s.dir, key[:prefixLen], key)
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // path is derived from a validated key
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}
