// Package alert defines core types shared across subsystems.
package alert

import "time"

// Record is a single extracted alert with a stable content identity.
// Records are created by the extractor and immutable afterwards; the
// fingerprint doubles as the dedup key in the sent-alerts store.
type Record struct {
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	SourceURL   string    `json:"source_url"`
	PublishedAt time.Time `json:"published_at"`
	Fingerprint string    `json:"fingerprint"`
}

// Identity is a bundle of client-presentation attributes shown to the
// origin so the session looks like an ordinary browser.
type Identity struct {
	ProfileID string
	Headers   map[string]string
}

// Subscriber mirrors the registry row the notifier reads. Only Active,
// Location and ChatID drive fan-out; the rest belongs to the command
// surface.
type Subscriber struct {
	ChatID                int64      `json:"chat_id"`
	Username              string     `json:"username,omitempty"`
	FirstName             string     `json:"first_name,omitempty"`
	LastName              string     `json:"last_name,omitempty"`
	Location              string     `json:"location,omitempty"`
	Active                bool       `json:"active"`
	SubscribedAt          time.Time  `json:"subscribed_at"`
	LastNotifiedAt        *time.Time `json:"last_notified_at,omitempty"`
	LastLocationChangedAt *time.Time `json:"last_location_changed_at,omitempty"`
}

// CycleReport summarizes one completed check cycle for the caller.
type CycleReport struct {
	CycleID           string        `json:"cycle_id"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	RecordsFound      int           `json:"records_found"`
	NotificationsSent int           `json:"notifications_sent"`
	Errors            []string      `json:"errors,omitempty"`
}
