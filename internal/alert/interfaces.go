package alert

import (
	"context"
	"net/url"
	"time"
)

// Fetcher retrieves raw page bytes from the origin. Implementations own
// anti-detection concerns (session state, identity rotation, backoff);
// callers only see the final body or a typed error.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, params url.Values) ([]byte, error)
}

// Target describes one scraped site: its cache identity, how to collect
// records from it, and what to serve when nothing else is available.
type Target interface {
	CacheKey() string
	Collect(ctx context.Context, f Fetcher) ([]Record, error)
	Fallback() []Record
}

// DedupStore is a durable, TTL-bounded set of "fingerprint delivered to
// subscriber" facts. Absence means not yet delivered, or expired and
// eligible for re-delivery.
type DedupStore interface {
	// HasBeenSent reports whether the pair was recorded within the TTL
	// window. A backend failure reports false: a possible duplicate beats
	// silently dropping every notification.
	HasBeenSent(ctx context.Context, chatID int64, fingerprint string) bool

	// MarkSent inserts the pair and (re)sets its expiry.
	MarkSent(ctx context.Context, chatID int64, fingerprint string) error

	// SentCount returns the number of unexpired pairs for a subscriber.
	SentCount(ctx context.Context, chatID int64) (int, error)

	// Clear drops all pairs for a subscriber.
	Clear(ctx context.Context, chatID int64) error
}

// Registry is the externally-owned subscriber store. The notifier only
// calls ActiveSubscribers, SetLastNotified and Deactivate; the remaining
// operations serve the command surface.
type Registry interface {
	ActiveSubscribers(ctx context.Context) ([]Subscriber, error)
	SetLastNotified(ctx context.Context, chatID int64, at time.Time) error
	Deactivate(ctx context.Context, chatID int64) error

	Upsert(ctx context.Context, sub Subscriber) (Subscriber, error)
	Remove(ctx context.Context, chatID int64) (bool, error)
	Get(ctx context.Context, chatID int64) (Subscriber, error)
	ByLocation(ctx context.Context, location string) ([]Subscriber, error)
	All(ctx context.Context) ([]Subscriber, error)
}

// Transport delivers a rendered alert to one subscriber. A delivery
// failure caused by the recipient blocking the sender must be returned
// as (or wrap) ErrRecipientBlocked.
type Transport interface {
	Deliver(ctx context.Context, chatID int64, text string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
