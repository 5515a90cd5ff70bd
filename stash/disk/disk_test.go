package disk

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meigma/lens/stash"
)

func put(t *testing.T, s *Stash, key, content string) {
	t.Helper()
	if err := s.Put(context.Background(), key, strings.NewReader(content)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

func take(t *testing.T, s *Stash, key string) string {
	t.Helper()
	data, err := stash.Take(context.Background(), s, key)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	return string(data)
}

func TestStashPutTake(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := stash.NewKey()
	put(t, s, key, "hello")

	path := filepath.Join(dir, key[:defaultShardPrefixLen], key)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected stash file at %s: %v", path, err)
	}
	if _, err := os.Stat(path + digestSuffix); err != nil {
		t.Fatalf("expected digest sidecar: %v", err)
	}

	if got := take(t, s, key); got != "hello" {
		t.Fatalf("Take() content = %q, want %q", got, "hello")
	}

	if _, err := s.Open(context.Background(), key); !errors.Is(err, stash.ErrMiss) {
		t.Fatalf("Open() after take error = %v, want ErrMiss", err)
	}
	if err := s.Delete(context.Background(), key); !errors.Is(err, stash.ErrMiss) {
		t.Fatalf("second Delete() error = %v, want ErrMiss", err)
	}

	size, err := s.Size()
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != 0 {
		t.Fatalf("Size() = %d after take, want 0", size)
	}
}

func TestStashPutExisting(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := stash.NewKey()
	put(t, s, key, "first")

	err = s.Put(context.Background(), key, strings.NewReader("second"))
	if !errors.Is(err, stash.ErrExists) {
		t.Fatalf("Put() error = %v, want ErrExists", err)
	}
	if got := take(t, s, key); got != "first" {
		t.Fatalf("Take() content = %q, want %q", got, "first")
	}
}

func TestStashPutAfterTake(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := stash.NewKey()
	put(t, s, key, "v1")
	_ = take(t, s, key)
	put(t, s, key, "v2")
	if got := take(t, s, key); got != "v2" {
		t.Fatalf("Take() content = %q, want %q", got, "v2")
	}
}

func TestStashNoSharding(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, WithShardPrefixLen(0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := stash.NewKey()
	put(t, s, key, "flat")
	if _, err := os.Stat(filepath.Join(dir, key)); err != nil {
		t.Fatalf("expected unsharded file: %v", err)
	}
}

func TestStashInvalidKey(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Put(context.Background(), "../escape", strings.NewReader("x")); !errors.Is(err, stash.ErrInvalidKey) {
		t.Fatalf("Put() error = %v, want ErrInvalidKey", err)
	}
	if _, err := s.Open(context.Background(), "../escape"); !errors.Is(err, stash.ErrInvalidKey) {
		t.Fatalf("Open() error = %v, want ErrInvalidKey", err)
	}
	if err := s.Delete(context.Background(), "../escape"); !errors.Is(err, stash.ErrInvalidKey) {
		t.Fatalf("Delete() error = %v, want ErrInvalidKey", err)
	}
}

func TestStashDigestMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := stash.NewKey()
	put(t, s, key, "original")

	path := filepath.Join(dir, key[:defaultShardPrefixLen], key)
	if err := os.WriteFile(path, []byte("tampered"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := stash.Take(context.Background(), s, key); !errors.Is(err, stash.ErrDigestMismatch) {
		t.Fatalf("Take() error = %v, want ErrDigestMismatch", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("content deleted after failed verification: %v", err)
	}
}

func TestStashOpenKeepsEntry(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := stash.NewKey()
	put(t, s, key, "kept")

	for i := range 2 {
		rc, err := s.Open(context.Background(), key)
		if err != nil {
			t.Fatalf("Open() #%d error = %v", i, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("ReadAll() #%d error = %v", i, err)
		}
		if string(data) != "kept" {
			t.Fatalf("Open() #%d content = %q, want %q", i, data, "kept")
		}
	}
	if got := take(t, s, key); got != "kept" {
		t.Fatalf("Take() content = %q, want %q", got, "kept")
	}
}

func TestStashMaxBytes(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir(), WithMaxBytes(256))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	put(t, s, stash.NewKey(), "small")

	err = s.Put(context.Background(), stash.NewKey(), strings.NewReader(strings.Repeat("x", 512)))
	if !errors.Is(err, stash.ErrFull) {
		t.Fatalf("Put() error = %v, want ErrFull", err)
	}
}

func TestStashDeleteOnce(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := stash.NewKey()
	put(t, s, key, "once")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Delete(context.Background(), key); err != nil {
				if !errors.Is(err, stash.ErrMiss) {
					t.Errorf("Delete() error = %v, want ErrMiss", err)
				}
				return
			}
			wins.Add(1)
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("successful deletes = %d, want 1", got)
	}
}

func TestStashPrune(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	old, fresh := stash.NewKey(), stash.NewKey()
	put(t, s, old, "old content")
	put(t, s, fresh, "fresh")

	past := time.Now().Add(-48 * time.Hour)
	for _, p := range []string{s.path(old), s.path(old) + digestSuffix} {
		if err := os.Chtimes(p, past, past); err != nil {
			t.Fatalf("Chtimes() error = %v", err)
		}
	}

	freed, err := s.Prune(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if freed < int64(len("old content")) {
		t.Fatalf("Prune() freed = %d, want at least %d", freed, len("old content"))
	}
	if _, err := s.Open(context.Background(), old); !errors.Is(err, stash.ErrMiss) {
		t.Fatalf("Open(old) error = %v, want ErrMiss", err)
	}
	if got := take(t, s, fresh); got != "fresh" {
		t.Fatalf("Take(fresh) = %q", got)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") error = nil")
	}
	if _, err := New(t.TempDir(), WithShardPrefixLen(-1)); err == nil {
		t.Fatal("New() with negative shard length error = nil")
	}
	if _, err := New(t.TempDir(), WithMaxBytes(-1)); err == nil {
		t.Fatal("New() with negative cap error = nil")
	}
}
