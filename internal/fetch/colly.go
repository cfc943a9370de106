package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/aquawatch/waterbot/internal/alert"
)

// CollyFetcher is the plain-crawl strategy: a Colly collector with the
// identity pool's headers but no session warm-up or rotation. Useful when
// the origin is not actively hostile.
type CollyFetcher struct {
	baseCollector *colly.Collector
	identity      alert.Identity
	logger        *zap.Logger
}

// NewCollyFetcher constructs a configured Colly-based Fetcher bound to one
// identity for its whole lifetime.
func NewCollyFetcher(cfg Config, chooser Chooser, logger *zap.Logger) (*CollyFetcher, error) {
	id := chooser.Choose()
	base := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(id.Headers["User-Agent"]),
	)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		MaxConnsPerHost:       max(1, cfg.MaxConns),
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       time.Second,
	}); err != nil {
		return nil, err
	}

	return &CollyFetcher{
		baseCollector: base,
		identity:      id,
		logger:        logger,
	}, nil
}

// Fetch retrieves a page via a clone of the configured collector.
func (f *CollyFetcher) Fetch(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	target, err := withParams(rawURL, params)
	if err != nil {
		return nil, err
	}

	collector := f.baseCollector.Clone()
	// The stdlib context rides on the outgoing request, so cancellation
	// aborts an in-flight HTTP call instead of waiting it out.
	collector.Context = ctx
	resultCh := make(chan collyResult, 1)
	var once sync.Once
	send := func(res collyResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	collector.OnRequest(func(r *colly.Request) {
		for k, v := range f.identity.Headers {
			if k == "Accept-Encoding" || k == "User-Agent" {
				continue
			}
			r.Headers.Set(k, v)
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		send(collyResult{body: append([]byte{}, r.Body...)})
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode == http.StatusForbidden {
			send(collyResult{err: &alert.BlockedError{URL: target, Attempts: 1}})
			return
		}
		if r != nil && r.StatusCode >= 400 {
			send(collyResult{err: &alert.HTTPError{URL: target, Status: r.StatusCode}})
			return
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(collyResult{err: err})
	})

	if err := collector.Visit(target); err != nil {
		return nil, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return res.body, res.err
	default:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("colly fetch produced no result")
	}
}

type collyResult struct {
	body []byte
	err  error
}

func withParams(rawURL string, params url.Values) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
