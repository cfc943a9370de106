package registry

import (
	"context"
	"sync"
	"time"

	"github.com/aquawatch/waterbot/internal/alert"
)

// MemoryRegistry is an in-memory subscriber store for development and
// testing.
type MemoryRegistry struct {
	mu    sync.RWMutex
	subs  map[int64]alert.Subscriber
	clock alert.Clock
}

// NewMemoryRegistry constructs a MemoryRegistry.
func NewMemoryRegistry(clock alert.Clock) *MemoryRegistry {
	return &MemoryRegistry{
		subs:  make(map[int64]alert.Subscriber),
		clock: clock,
	}
}

// ActiveSubscribers returns every active subscriber.
func (r *MemoryRegistry) ActiveSubscribers(_ context.Context) ([]alert.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []alert.Subscriber
	for _, sub := range r.subs {
		if sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}

// All returns every subscriber.
func (r *MemoryRegistry) All(_ context.Context) ([]alert.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]alert.Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out, nil
}

// ByLocation returns active subscribers interested in the given location.
func (r *MemoryRegistry) ByLocation(_ context.Context, location string) ([]alert.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []alert.Subscriber
	for _, sub := range r.subs {
		if sub.Active && sub.Location == location {
			out = append(out, sub)
		}
	}
	return out, nil
}

// Get fetches one subscriber by chat ID.
func (r *MemoryRegistry) Get(_ context.Context, chatID int64) (alert.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[chatID]
	if !ok {
		return alert.Subscriber{}, alert.ErrNotFound
	}
	return sub, nil
}

// Upsert inserts or updates a subscriber.
func (r *MemoryRegistry) Upsert(_ context.Context, sub alert.Subscriber) (alert.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	existing, ok := r.subs[sub.ChatID]
	if !ok {
		sub.SubscribedAt = now
		if sub.Location != "" {
			sub.LastLocationChangedAt = &now
		}
		r.subs[sub.ChatID] = sub
		return sub, nil
	}
	if sub.Username != "" {
		existing.Username = sub.Username
	}
	if sub.FirstName != "" {
		existing.FirstName = sub.FirstName
	}
	if sub.LastName != "" {
		existing.LastName = sub.LastName
	}
	if sub.Location != "" && sub.Location != existing.Location {
		existing.Location = sub.Location
		existing.LastLocationChangedAt = &now
	}
	existing.Active = sub.Active
	r.subs[sub.ChatID] = existing
	return existing, nil
}

// Remove deletes a subscriber and reports whether it existed.
func (r *MemoryRegistry) Remove(_ context.Context, chatID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[chatID]
	delete(r.subs, chatID)
	return ok, nil
}

// SetLastNotified stamps the subscriber's last successful delivery.
func (r *MemoryRegistry) SetLastNotified(_ context.Context, chatID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[chatID]
	if !ok {
		return alert.ErrNotFound
	}
	sub.LastNotifiedAt = &at
	r.subs[chatID] = sub
	return nil
}

// Deactivate turns the subscription off.
func (r *MemoryRegistry) Deactivate(_ context.Context, chatID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[chatID]
	if !ok {
		return alert.ErrNotFound
	}
	sub.Active = false
	r.subs[chatID] = sub
	return nil
}
