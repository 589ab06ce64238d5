package admission

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with process-local state.
//
// Its atomicity holds only within a single process: state is not shared, so
// running more than one instance behind a load balancer silently breaks both
// rate limits and vote deduplication. It must be selected explicitly (see
// config.AdmissionConfig.Backend), never defaulted into a scaled deployment.
type MemoryStore struct {
	mu       sync.Mutex
	clock    func() time.Time
	windows  map[string][]time.Time
	claims   map[string]time.Time // zero value means no expiry
	expiries map[string]time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clock:    time.Now,
		windows:  make(map[string][]time.Time),
		claims:   make(map[string]time.Time),
		expiries: make(map[string]time.Time),
	}
}

// AdmitIntoWindow implements Store.
func (s *MemoryStore) AdmitIntoWindow(_ context.Context, key string, now, windowStart time.Time, limit int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropIfExpired(key)

	kept := s.windows[key][:0]
	for _, ts := range s.windows[key] {
		if !ts.Before(windowStart) {
			kept = append(kept, ts)
		}
	}
	count := int64(len(kept))
	if count < limit {
		kept = append(kept, now)
	}
	s.windows[key] = kept
	return count, nil
}

// OldestInWindow implements Store.
func (s *MemoryStore) OldestInWindow(_ context.Context, key string, windowStart time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest time.Time
	found := false
	for _, ts := range s.windows[key] {
		if ts.Before(windowStart) {
			continue
		}
		if !found || ts.Before(oldest) {
			oldest = ts
			found = true
		}
	}
	return oldest, found, nil
}

// SetExpiry implements Store.
func (s *MemoryStore) SetExpiry(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiries[key] = s.clock().Add(ttl)
	return nil
}

// InsertUnique implements Store.
func (s *MemoryStore) InsertUnique(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deadline, exists := s.claims[key]; exists {
		if deadline.IsZero() || s.clock().Before(deadline) {
			return false, nil
		}
		// expired claim, fall through and re-claim
	}
	var deadline time.Time
	if ttl > 0 {
		deadline = s.clock().Add(ttl)
	}
	s.claims[key] = deadline
	return true, nil
}

// dropIfExpired discards a window whose expiry hint has passed. Caller holds
// the lock. Every deadline comparison goes through s.clock so expiry stays
// coherent with the timestamps the limiter records.
func (s *MemoryStore) dropIfExpired(key string) {
	if deadline, ok := s.expiries[key]; ok && s.clock().After(deadline) {
		delete(s.windows, key)
		delete(s.expiries, key)
	}
}
