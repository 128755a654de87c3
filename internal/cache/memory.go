package cache

import (
	"context"
	"sync"
	"time"
)

// sweepThreshold is the map size past which Set evicts expired entries.
// The sweep is lazy; there is no background goroutine.
const sweepThreshold = 1000

type memoryEntry struct {
	payload  []byte
	storedAt time.Time
	ttl      time.Duration
}

// Memory is the in-process fallback backend. It is safe for concurrent use
// and bounds its growth by sweeping expired entries once the map exceeds
// sweepThreshold.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	// now is swappable in tests.
	now func() time.Time
}

// NewMemory creates an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the payload if present and unexpired. Expired entries are
// evicted opportunistically.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.now().Sub(e.storedAt) >= e.ttl {
		delete(m.entries, key)
		return nil, false
	}
	return e.payload, true
}

// Set stores the payload unconditionally, then sweeps if the map has grown
// past the threshold.
func (m *Memory) Set(_ context.Context, key string, payload []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{payload: payload, storedAt: m.now(), ttl: ttl}

	if len(m.entries) > sweepThreshold {
		now := m.now()
		for k, e := range m.entries {
			if now.Sub(e.storedAt) >= e.ttl {
				delete(m.entries, k)
			}
		}
	}
}

// Delete removes a single entry.
func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Flush drops all entries.
func (m *Memory) Flush(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
}

// Len reports the current number of entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Count implements the optional counter interface.
func (m *Memory) Count(_ context.Context) int {
	return m.Len()
}
