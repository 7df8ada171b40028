package hostkey

import (
	"context"
	"sync"
)

type key struct {
	host      string
	port      int
	algorithm string
}

// MemoryBackend is an in-process Backend.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[key]Entry
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[key]Entry)}
}

func (m *MemoryBackend) Get(_ context.Context, host string, port int, algorithm string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key{host, port, algorithm}]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryBackend) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key{e.Host, e.Port, e.Algorithm}] = e
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}
