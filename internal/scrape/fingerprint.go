package scrape

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives the stable content identity of a record from its
// normalized title and message. SHA-256 is seedless, so two extractions of
// unchanged content yield the same fingerprint across process restarts and
// platforms, which the dedup store depends on.
func Fingerprint(title, message string) string {
	sum := sha256.Sum256([]byte(title + message))
	return hex.EncodeToString(sum[:])
}
