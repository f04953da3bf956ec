package ratelimit

import (
	"context"
	"slices"
	"sync"
	"time"
)

// DefaultCapacity bounds MemoryStore when no capacity is given.
const DefaultCapacity = 10_000

// Entry is the counter for one key inside its current window.
type Entry struct {
	Count   int
	ResetAt time.Time
}

// expired reports whether the window has closed at now.
func (e Entry) expired(now time.Time) bool { return !now.Before(e.ResetAt) }

// Store holds rate limit entries. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key, ok=false when there is none.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set creates or replaces the entry for key.
	Set(ctx context.Context, key string, e Entry) error
	// Evict removes entries whose window closed at or before now and returns how many it removed.
	Evict(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is a process-local Store with a hard capacity. Inserting a new
// key into a full store first drops expired entries, then if still full the
// oldest fifth by ResetAt.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]Entry
	capacity int
	now      func() time.Time

	// OnCapacity is called (outside the lock) with the number of live entries
	// dropped to make room for a new key.
	OnCapacity func(evicted int)
}

// NewMemoryStore returns a MemoryStore holding at most capacity keys.
// capacity <= 0 means DefaultCapacity, a nil now means time.Now.
func NewMemoryStore(capacity int, now func() time.Time) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries:  make(map[string]Entry),
		capacity: capacity,
		now:      now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	evicted := 0
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.capacity {
		s.purgeLocked(s.now())
		if len(s.entries) >= s.capacity {
			evicted = s.evictOldestLocked()
		}
	}
	s.entries[key] = e
	s.mu.Unlock()

	if evicted > 0 && s.OnCapacity != nil {
		s.OnCapacity(evicted)
	}
	return nil
}

func (s *MemoryStore) Evict(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(now), nil
}

// Len returns the number of stored keys, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) purgeLocked(now time.Time) int {
	n := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// evictOldestLocked drops the oldest 20% of entries by ResetAt, at least one.
func (s *MemoryStore) evictOldestLocked() int {
	type kv struct {
		key     string
		resetAt time.Time
	}
	all := make([]kv, 0, len(s.entries))
	for k, e := range s.entries {
		all = append(all, kv{k, e.ResetAt})
	}
	slices.SortFunc(all, func(a, b kv) int { return a.resetAt.Compare(b.resetAt) })

	n := max(len(all)/5, 1)
	for _, e := range all[:n] {
		delete(s.entries, e.key)
	}
	return n
}
