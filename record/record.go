// Package record provides implementations of the lens record environment:
// a payload plus a set of text attributes.
package record

import (
	"bytes"
	"io"
	"maps"
	"sync"
)

// Memory is a record held in memory. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	attrs   map[string]string
	payload []byte
}

// NewMemory creates a record with the given payload and no attributes.
func NewMemory(payload []byte) *Memory {
	return &Memory{
		attrs:   make(map[string]string),
		payload: bytes.Clone(payload),
	}
}

// Attribute returns the value of the named attribute.
func (m *Memory) Attribute(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.attrs[name]
	return v, ok
}

// SetAttribute sets the named attribute.
func (m *Memory) SetAttribute(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attrs[name] = value
	return nil
}

// RemoveAttribute deletes the named attribute. Removing an absent attribute
// is not an error.
func (m *Memory) RemoveAttribute(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attrs, name)
	return nil
}

// Attributes returns a copy of all attributes.
func (m *Memory) Attributes() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.attrs)
}

// OpenPayload returns a reader over the current payload.
func (m *Memory) OpenPayload() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.Payload())), nil
}

// WritePayload replaces the payload with the content of r.
func (m *Memory) WritePayload(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payload = data
	return nil
}

// Payload returns the current payload. The slice must not be modified.
func (m *Memory) Payload() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payload
}
