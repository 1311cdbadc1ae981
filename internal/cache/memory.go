// ABOUTME: Thread-safe in-process cache store with per-entry TTL and LRU eviction
// ABOUTME: A background goroutine sweeps expired entries until Close

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries caps a MemoryStore when no size is configured.
const DefaultMaxEntries = 100_000

const sweepInterval = time.Minute

// memoryEntry stores the value, expiry, and list element for a cached key.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	element   *list.Element
}

// MemoryStore is a size-limited TTL cache.
// Uses a doubly-linked list ordered by last use for O(1) eviction.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	order      *list.List // keys, least recently used at front
	maxEntries int
	done       chan struct{}
	closed     bool
}

// NewMemoryStore creates a store holding at most maxEntries values.
// A background goroutine periodically removes expired entries.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	m := &MemoryStore{
		entries:    make(map[string]*memoryEntry),
		order:      list.New(),
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Get returns a copy of the value if present and unexpired.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, errClosed
	}

	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		m.removeLocked(key, entry)
		return nil, false, nil
	}

	m.order.MoveToBack(entry.element)
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Set stores a copy of value. If the store is full, the least recently
// used entry is evicted to make room.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	expiresAt := time.Now().Add(ttl)

	if entry, exists := m.entries[key]; exists {
		entry.value = stored
		entry.expiresAt = expiresAt
		m.order.MoveToBack(entry.element)
		return nil
	}

	if len(m.entries) >= m.maxEntries {
		m.evictOldest()
	}

	elem := m.order.PushBack(key)
	m.entries[key] = &memoryEntry{
		value:     stored,
		expiresAt: expiresAt,
		element:   elem,
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Ping reports whether the store is still open.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	return nil
}

// evictOldest removes the least recently used entry. Must be called with mu held.
func (m *MemoryStore) evictOldest() {
	front := m.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	m.order.Remove(front)
	delete(m.entries, key)
}

func (m *MemoryStore) removeLocked(key string, entry *memoryEntry) {
	m.order.Remove(entry.element)
	delete(m.entries, key)
}

func (m *MemoryStore) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.removeExpired()
		case <-m.done:
			return
		}
	}
}

func (m *MemoryStore) removeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, entry := range m.entries {
		if now.After(entry.expiresAt) {
			m.removeLocked(key, entry)
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		close(m.done)
		m.closed = true
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
