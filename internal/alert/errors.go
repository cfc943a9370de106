package alert

import (
	"errors"
	"fmt"
)

// ErrRecipientBlocked marks a delivery failure caused by the recipient
// blocking the sender. The notifier deactivates the subscriber instead of
// retrying.
var ErrRecipientBlocked = errors.New("recipient blocked the sender")

// ErrNotFound is returned when no subscriber exists for a chat ID.
var ErrNotFound = errors.New("subscriber not found")

// BlockedError reports that the origin refused automated access for the
// whole retry budget, rotating identities between attempts.
type BlockedError struct {
	URL      string
	Attempts int
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("origin blocked %s after %d attempts", e.URL, e.Attempts)
}

// HTTPError is a non-block client or server error. It is surfaced
// immediately: retrying a 404 or a 500 wastes the retry budget reserved
// for block signals.
type HTTPError struct {
	URL    string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d for %s", e.Status, e.URL)
}

// IsBlocked reports whether err is (or wraps) a BlockedError.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}
