// Package identity maintains the pool of client fingerprints presented to
// the origin.
package identity

import (
	"math/rand/v2"

	"github.com/aquawatch/waterbot/internal/alert"
)

// profiles is the fixed curated list. Each entry corresponds to a real
// Chrome desktop release; the origin correlates blocks with a whole
// fingerprint, so rotation swaps the entire profile rather than a single
// header.
var profiles = []alert.Identity{
	newChromeProfile("chrome136", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"),
	newChromeProfile("chrome133", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"),
	newChromeProfile("chrome131", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
	newChromeProfile("chrome124", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"),
	newChromeProfile("chrome123", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"),
}

func newChromeProfile(id, userAgent string) alert.Identity {
	return alert.Identity{
		ProfileID: id,
		Headers: map[string]string{
			"User-Agent":                userAgent,
			"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
			"Accept-Language":           "en-US,en;q=0.9",
			"Accept-Encoding":           "gzip, deflate, br",
			"Connection":                "keep-alive",
			"Upgrade-Insecure-Requests": "1",
			"Sec-Fetch-Dest":            "document",
			"Sec-Fetch-Mode":            "navigate",
			"Sec-Fetch-Site":            "none",
			"Sec-Fetch-User":            "?1",
			"Cache-Control":             "max-age=0",
		},
	}
}

// Pool selects identities for fetch sessions.
type Pool struct {
	profiles []alert.Identity
	pick     func(n int) int
}

// NewPool returns a pool over the curated profile list.
func NewPool() *Pool {
	return &Pool{
		profiles: profiles,
		pick:     rand.IntN,
	}
}

// Choose returns one profile chosen uniformly at random. Identities are
// immutable; a block signal triggers a fresh Choose, never a mutation.
func (p *Pool) Choose() alert.Identity {
	return p.profiles[p.pick(len(p.profiles))]
}

// Size reports how many profiles the pool rotates through.
func (p *Pool) Size() int {
	return len(p.profiles)
}
