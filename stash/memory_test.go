package stash

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	t.Parallel()

	a, b := NewKey(), NewKey()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
	assert.Equal(t, strings.ToLower(a), a)
	require.NoError(t, CheckKey(a))
}

func TestCheckKey(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", "../../etc/passwd", "not-a-uuid", strings.ToUpper(NewKey())} {
		assert.ErrorIs(t, CheckKey(key), ErrInvalidKey, "key %q", key)
	}
}

func TestMemoryPutTake(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	key := NewKey()

	require.NoError(t, m.Put(ctx, key, strings.NewReader("content")))
	assert.Equal(t, 1, m.Len())

	data, err := Take(ctx, m, key)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
	assert.Zero(t, m.Len())

	_, err = m.Open(ctx, key)
	require.ErrorIs(t, err, ErrMiss)
	require.ErrorIs(t, m.Delete(ctx, key), ErrMiss)
}

func TestMemoryOpenKeepsEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	key := NewKey()
	require.NoError(t, m.Put(ctx, key, strings.NewReader("kept")))

	for range 2 {
		rc, err := m.Open(ctx, key)
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, "kept", string(data))
	}
	assert.Equal(t, 1, m.Len())
}

func TestMemoryPutExisting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	key := NewKey()

	require.NoError(t, m.Put(ctx, key, strings.NewReader("first")))
	require.ErrorIs(t, m.Put(ctx, key, strings.NewReader("second")), ErrExists)

	data, err := Take(ctx, m, key)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestMemoryRejectsInvalidKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	require.ErrorIs(t, m.Put(ctx, "x", strings.NewReader("")), ErrInvalidKey)
	_, err := m.Open(ctx, "x")
	require.ErrorIs(t, err, ErrInvalidKey)
	require.ErrorIs(t, m.Delete(ctx, "x"), ErrInvalidKey)
}

func TestMemoryDigestMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	key := NewKey()
	require.NoError(t, m.Put(ctx, key, strings.NewReader("original")))

	m.mu.Lock()
	e := m.entries[key]
	e.data = []byte("tampered")
	m.entries[key] = e
	m.mu.Unlock()

	_, err := Take(ctx, m, key)
	require.ErrorIs(t, err, ErrDigestMismatch)
	assert.Equal(t, 1, m.Len(), "unverified content is not deleted")
}

func TestMemoryPutReaderError(t *testing.T) {
	t.Parallel()

	errRead := errors.New("read failed")
	m := NewMemory()
	key := NewKey()
	err := m.Put(context.Background(), key, io.MultiReader(strings.NewReader("part"), errReader{errRead}))
	require.ErrorIs(t, err, errRead)
	assert.Zero(t, m.Len())
}

func TestMemoryDeleteOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	key := NewKey()
	require.NoError(t, m.Put(ctx, key, strings.NewReader("once")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Delete(ctx, key)
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrMiss)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
