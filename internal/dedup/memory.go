package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/aquawatch/waterbot/internal/alert"
)

// MemoryStore is an in-memory dedup store for development and testing. It
// mirrors the Postgres semantics, including sliding expiry.
type MemoryStore struct {
	mu    sync.Mutex
	sent  map[int64]map[string]time.Time
	ttl   time.Duration
	clock alert.Clock
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore(ttl time.Duration, clock alert.Clock) *MemoryStore {
	if ttl <= 0 {
		ttl = 14 * 24 * time.Hour
	}
	return &MemoryStore{
		sent:  make(map[int64]map[string]time.Time),
		ttl:   ttl,
		clock: clock,
	}
}

// HasBeenSent reports whether the pair was recorded and has not expired.
func (s *MemoryStore) HasBeenSent(_ context.Context, chatID int64, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.sent[chatID][fingerprint]
	if !ok {
		return false
	}
	if !s.clock.Now().Before(expiry) {
		delete(s.sent[chatID], fingerprint)
		return false
	}
	return true
}

// MarkSent inserts the pair and (re)sets its expiry.
func (s *MemoryStore) MarkSent(_ context.Context, chatID int64, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent[chatID] == nil {
		s.sent[chatID] = make(map[string]time.Time)
	}
	s.sent[chatID][fingerprint] = s.clock.Now().Add(s.ttl)
	return nil
}

// SentCount returns the number of unexpired pairs for a subscriber.
func (s *MemoryStore) SentCount(_ context.Context, chatID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	count := 0
	for _, expiry := range s.sent[chatID] {
		if now.Before(expiry) {
			count++
		}
	}
	return count, nil
}

// Clear drops all pairs for a subscriber.
func (s *MemoryStore) Clear(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sent, chatID)
	return nil
}
