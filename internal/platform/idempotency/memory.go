package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	fingerprint string
	completed   bool
	stored      StoredResponse
	createdAt   time.Time
	expiresAt   time.Time
}

// MemoryStore is an in-process Store for tests and local development. It is
// not safe across replicas; production uses the Firestore store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore constructs an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := docID(key)
	entry, ok := s.entries[id]
	if !ok || entryExpired(entry, now) {
		s.entries[id] = memoryEntry{
			fingerprint: fingerprint,
			createdAt:   now,
			expiresAt:   now.Add(ttl),
		}
		return Claim{State: ClaimAccepted}, nil
	}

	if entry.fingerprint != fingerprint {
		return Claim{}, ErrKeyConflict
	}
	if entry.completed {
		return Claim{State: ClaimReplay, Stored: entry.stored}, nil
	}
	return Claim{State: ClaimInFlight}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp StoredResponse, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := docID(key)
	entry, ok := s.entries[id]
	if ok && entry.fingerprint != fingerprint {
		return ErrKeyConflict
	}
	if !ok {
		entry = memoryEntry{fingerprint: fingerprint, createdAt: now}
	}

	stored := resp
	if len(resp.Body) > 0 {
		stored.Body = append([]byte(nil), resp.Body...)
	}
	entry.completed = true
	entry.stored = stored
	entry.expiresAt = now.Add(ttl)
	s.entries[id] = entry
	return nil
}

// Forget implements Store.
func (s *MemoryStore) Forget(_ context.Context, key, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, docID(key))
	return nil
}

// CleanupExpired implements Store.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	removed := 0
	for id, entry := range s.entries {
		if !entryExpired(entry, now) {
			continue
		}
		delete(s.entries, id)
		if removed++; removed >= limit {
			break
		}
	}
	return removed, nil
}

func entryExpired(entry memoryEntry, now time.Time) bool {
	return !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt)
}
