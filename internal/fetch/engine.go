// Package fetch implements the resilient fetch engine used against the
// anti-bot-protected origin. It owns one long-lived HTTP session, performs
// a warm-up request, and serves GET requests with jittered politeness
// delays, exponential backoff and identity rotation on block signals.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aquawatch/waterbot/internal/alert"
	"github.com/aquawatch/waterbot/internal/metrics"
)

// Chooser selects the identity bound to a new session.
type Chooser interface {
	Choose() alert.Identity
}

// Sleeper abstracts cooperative delays so tests can run without waiting.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration)
}

type timerSleeper struct{}

// Sleep blocks for d or until the context finishes, whichever first.
func (timerSleeper) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Config controls Engine behavior.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
	MaxConns       int
	MaxBodyBytes   int64
}

type session struct {
	client   *http.Client
	identity alert.Identity
}

// Engine is the identity-rotating fetch strategy. A single Engine may be
// shared by concurrently collected targets: Fetch serializes on mu for its
// whole duration, so rotation replaces the session atomically and no two
// requests interleave within one session.
type Engine struct {
	cfg     Config
	chooser Chooser
	logger  *zap.Logger
	sleeper Sleeper
	uniform func(lo, hi time.Duration) time.Duration

	mu   sync.Mutex
	sess *session
}

// NewEngine constructs an Engine. The session is created lazily on the
// first Fetch so construction never touches the network.
func NewEngine(cfg Config, chooser Chooser, logger *zap.Logger) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 * 1024 * 1024
	}
	return &Engine{
		cfg:     cfg,
		chooser: chooser,
		logger:  logger,
		sleeper: timerSleeper{},
		uniform: uniformDuration,
	}
}

// WithSleeper replaces the delay implementation. Tests use this to skip
// politeness and backoff waits.
func (e *Engine) WithSleeper(s Sleeper) *Engine {
	e.sleeper = s
	return e
}

// ProfileID reports the identity bound to the current session, or "" when
// no session exists yet.
func (e *Engine) ProfileID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profileID()
}

// profileID is the lock-free variant for callers already holding mu.
func (e *Engine) profileID() string {
	if e.sess == nil {
		return ""
	}
	return e.sess.identity.ProfileID
}

// Fetch issues a GET for rawURL with the given query parameters. Block
// signals (403) are retried with identity rotation up to the retry budget;
// every other failure surfaces immediately.
func (e *Engine) Fetch(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureSession(ctx); err != nil {
		return nil, err
	}

	target, err := withParams(rawURL, params)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}

	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		// Front-loaded politeness, back-loaded backoff.
		var delay time.Duration
		if attempt == 0 {
			delay = e.uniform(1*time.Second, 3*time.Second)
		} else {
			delay = e.uniform(3*time.Second, 6*time.Second) * time.Duration(attempt+1)
		}
		e.sleeper.Sleep(ctx, delay)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		body, status, err := e.doGet(ctx, target)
		if err != nil {
			// Transport-level failures are not attributed to anti-bot
			// defenses; the retry budget is reserved for block signals.
			return nil, fmt.Errorf("fetch %s: %w", target, err)
		}

		switch {
		case status == http.StatusForbidden:
			metrics.BlockSignal()
			e.logger.Warn("block signal from origin",
				zap.String("url", target),
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", e.cfg.MaxRetries),
				zap.String("profile", e.profileID()),
			)
			if attempt < e.cfg.MaxRetries-1 {
				if err := e.rotate(ctx); err != nil {
					return nil, err
				}
				backoff := time.Duration(1<<attempt) * e.uniform(2*time.Second, 4*time.Second)
				e.sleeper.Sleep(ctx, backoff)
				continue
			}
			return nil, &alert.BlockedError{URL: target, Attempts: e.cfg.MaxRetries}
		case status >= 400:
			return nil, &alert.HTTPError{URL: target, Status: status}
		default:
			return body, nil
		}
	}
	return nil, &alert.BlockedError{URL: target, Attempts: e.cfg.MaxRetries}
}

// ensureSession builds the session on first use: choose an identity, issue
// the warm-up GET, and apply the short "human" delay. Warm-up failure is
// logged, not fatal: the origin may still serve real requests.
func (e *Engine) ensureSession(ctx context.Context) error {
	if e.sess != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	id := e.chooser.Choose()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}
	client := &http.Client{
		Jar:     jar,
		Timeout: e.cfg.RequestTimeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   8,
			MaxConnsPerHost:       max(1, e.cfg.MaxConns),
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: e.cfg.RequestTimeout,
			ForceAttemptHTTP2:     true,
		},
	}
	e.sess = &session{client: client, identity: id}

	e.logger.Info("warming up session",
		zap.String("base_url", e.cfg.BaseURL),
		zap.String("profile", id.ProfileID),
	)
	if _, _, err := e.doGet(ctx, e.cfg.BaseURL); err != nil {
		e.logger.Warn("session warm-up failed", zap.Error(err))
	}
	e.sleeper.Sleep(ctx, e.uniform(1*time.Second, 2*time.Second))
	return ctx.Err()
}

// rotate tears the session down and builds a fresh one bound to a newly
// chosen identity. The new session shares no cookies with the blocked one.
// Callers hold mu.
func (e *Engine) rotate(ctx context.Context) error {
	previous := e.profileID()
	e.sess = nil
	if err := e.ensureSession(ctx); err != nil {
		return err
	}
	metrics.IdentityRotation()
	e.logger.Info("rotated identity",
		zap.String("previous", previous),
		zap.String("current", e.profileID()),
	)
	return nil
}

func (e *Engine) doGet(ctx context.Context, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range e.sess.identity.Headers {
		// The transport negotiates content encoding itself; forcing the
		// profile's "br" would hand us bytes net/http cannot decode.
		if k == "Accept-Encoding" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := e.sess.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func uniformDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}
