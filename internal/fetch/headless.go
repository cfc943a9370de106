package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aquawatch/waterbot/internal/alert"
)

// ErrHeadlessDisabled indicates the headless strategy has been disabled
// via configuration.
var ErrHeadlessDisabled = errors.New("headless fetcher disabled")

// HeadlessConfig controls the chromedp-backed strategy.
type HeadlessConfig struct {
	MaxParallel int
	NavTimeout  time.Duration
	DomainQPS   float64
}

// HeadlessFetcher renders pages in headless Chrome. It is the strategy of
// last resort for markup that only exists after JavaScript runs; the
// browser itself presents the chosen identity's user agent.
type HeadlessFetcher struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	sem             chan struct{}
	timeout         time.Duration
	domainQPS       float64
	domainLimiters  sync.Map
	userAgent       string
}

// NewHeadlessFetcher launches the shared browser process.
func NewHeadlessFetcher(cfg HeadlessConfig, chooser Chooser, logger *zap.Logger) (*HeadlessFetcher, error) {
	if cfg.MaxParallel <= 0 {
		return nil, ErrHeadlessDisabled
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 25 * time.Second
	}
	id := chooser.Choose()

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(id.Headers["User-Agent"]),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &HeadlessFetcher{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
		sem:             make(chan struct{}, cfg.MaxParallel),
		timeout:         cfg.NavTimeout,
		domainQPS:       cfg.DomainQPS,
		userAgent:       id.Headers["User-Agent"],
	}, nil
}

// Close tears down the browser and allocator contexts.
func (f *HeadlessFetcher) Close() error {
	if f == nil {
		return nil
	}
	f.browserCancel()
	f.allocatorCancel()
	return nil
}

// Fetch navigates to the page, waits for the body and returns the DOM
// snapshot. Status codes map to the same error taxonomy as the engine.
func (f *HeadlessFetcher) Fetch(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	if f == nil {
		return nil, ErrHeadlessDisabled
	}
	target, err := withParams(rawURL, params)
	if err != nil {
		return nil, err
	}

	release, err := f.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := f.waitDomainBudget(ctx, target); err != nil {
		return nil, fmt.Errorf("headless rate limit: %w", err)
	}

	tabCtx, cancelTab := chromedp.NewContext(f.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, f.timeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	var status int
	var statusOnce sync.Once
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		statusOnce.Do(func() {
			status = int(resp.Response.Status)
		})
	})

	var html string
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(f.userAgent),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}

	switch {
	case status == http.StatusForbidden:
		return nil, &alert.BlockedError{URL: target, Attempts: 1}
	case status >= 400:
		return nil, &alert.HTTPError{URL: target, Status: status}
	}
	return []byte(html), nil
}

func (f *HeadlessFetcher) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case f.sem <- struct{}{}:
		return func() { <-f.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire headless slot: %w", ctx.Err())
	}
}

func (f *HeadlessFetcher) waitDomainBudget(ctx context.Context, rawURL string) error {
	if f.domainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse headless url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := f.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(f.domainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
