package stash

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/opencontainers/go-digest"
)

type memEntry struct {
	data   []byte
	digest digest.Digest
}

// Memory is an in-process Stash. Its content does not survive the process.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemory creates an empty in-memory stash.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

// Put implements Stash.
func (m *Memory) Put(ctx context.Context, key string, r io.Reader) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	if m.has(key) {
		return ErrExists
	}
	var buf bytes.Buffer
	dgst, _, err := Digest(&buf, r)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return ErrExists
	}
	m.entries[key] = memEntry{data: buf.Bytes(), digest: dgst}
	return nil
}

// Open implements Stash.
func (m *Memory) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := CheckKey(key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return nil, ErrMiss
	}
	return NewVerifyingReader(io.NopCloser(bytes.NewReader(e.data)), e.digest)
}

// Delete implements Stash.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := CheckKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return ErrMiss
	}
	delete(m.entries, key)
	return nil
}

// Len returns the number of entries held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}
