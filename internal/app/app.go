// Package app initializes and holds long-lived application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aquawatch/waterbot/internal/alert"
	"github.com/aquawatch/waterbot/internal/api"
	"github.com/aquawatch/waterbot/internal/cache"
	"github.com/aquawatch/waterbot/internal/clock/system"
	"github.com/aquawatch/waterbot/internal/config"
	"github.com/aquawatch/waterbot/internal/dedup"
	"github.com/aquawatch/waterbot/internal/fetch"
	"github.com/aquawatch/waterbot/internal/identity"
	"github.com/aquawatch/waterbot/internal/logging"
	"github.com/aquawatch/waterbot/internal/metrics"
	"github.com/aquawatch/waterbot/internal/notify"
	"github.com/aquawatch/waterbot/internal/registry"
	"github.com/aquawatch/waterbot/internal/runner"
	"github.com/aquawatch/waterbot/internal/scrape"
	"github.com/aquawatch/waterbot/internal/telegram"
)

// App holds the shared, long-lived services of the process. It is built
// once at startup and torn down by Close.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	pipeline  *runner.Pipeline
	scheduler *runner.Scheduler
	server    *api.Server

	closers []func()
}

// New builds every service from configuration, failing fast when a
// critical dependency cannot be reached.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	metrics.Init()
	clk := system.New()

	a := &App{cfg: cfg, logger: logger}

	dedupStore, dedupPinger, err := a.buildDedup(ctx, clk)
	if err != nil {
		a.Close()
		return nil, err
	}

	reg, regPinger, err := a.buildRegistry(ctx, clk)
	if err != nil {
		a.Close()
		return nil, err
	}

	fetcher, err := a.buildFetcher()
	if err != nil {
		a.Close()
		return nil, err
	}

	transport := telegram.New(telegram.Config{
		Token:     cfg.Telegram.Token,
		APIBase:   cfg.Telegram.APIBase,
		ParseMode: cfg.Telegram.ParseMode,
		Timeout:   cfg.Telegram.Timeout,
	}, logger)

	notifier := notify.New(dedupStore, reg, transport, clk, notify.Config{
		DeliveryDelay:     cfg.Notify.DeliveryDelay,
		MaxParallelGroups: cfg.Notify.MaxParallelGroups,
	}, logger)

	targets := []alert.Target{
		scrape.NewWaterScraper(cfg.Scraper.BaseURL, cfg.Scraper.PageCap, clk, logger),
	}

	a.pipeline = runner.NewPipeline(
		targets,
		fetcher,
		cache.New(cfg.Cache.TTL, clk),
		reg,
		notifier,
		clk,
		runner.Config{MaxParallelTargets: cfg.Scraper.MaxParallel},
		logger,
	)
	a.scheduler = runner.NewScheduler(a.pipeline, cfg.Scraper.CheckInterval, logger)
	a.server = api.NewServer(a.pipeline, reg, dedupStore, cfg.Notify.Locations, logger, dedupPinger, regPinger)

	logger.Info("application services initialized",
		zap.String("fetch_strategy", cfg.Fetch.Strategy),
		zap.Bool("postgres", cfg.DB.DSN != ""),
	)
	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pipeline returns the cycle pipeline for one-shot invocations.
func (a *App) Pipeline() *runner.Pipeline {
	return a.pipeline
}

// Run serves HTTP and drives the scheduler until ctx finishes, then shuts
// the HTTP server down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	a.scheduler.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close tears down services in reverse construction order and flushes the
// logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *App) buildDedup(ctx context.Context, clk alert.Clock) (alert.DedupStore, api.Pinger, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory dedup store, sent state will not survive restarts")
		return dedup.NewMemoryStore(a.cfg.Dedup.TTL, clk), nil, nil
	}
	store, err := dedup.NewPostgresStore(ctx, a.cfg.DB.DSN, a.cfg.Dedup.TTL, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init dedup store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	return store, store, nil
}

func (a *App) buildRegistry(ctx context.Context, clk alert.Clock) (alert.Registry, api.Pinger, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory subscriber registry")
		return registry.NewMemoryRegistry(clk), nil, nil
	}
	reg, err := registry.NewPostgresRegistry(ctx, a.cfg.DB.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("init registry: %w", err)
	}
	a.closers = append(a.closers, reg.Close)
	return reg, reg, nil
}

func (a *App) buildFetcher() (alert.Fetcher, error) {
	pool := identity.NewPool()
	fetchCfg := fetch.Config{
		BaseURL:        a.cfg.Scraper.BaseURL,
		RequestTimeout: a.cfg.Fetch.RequestTimeout,
		MaxRetries:     a.cfg.Fetch.MaxRetries,
		MaxConns:       a.cfg.Fetch.MaxConns,
		MaxBodyBytes:   a.cfg.Fetch.MaxBodyBytes,
	}

	switch a.cfg.Fetch.Strategy {
	case "http":
		return fetch.NewEngine(fetchCfg, pool, a.logger), nil
	case "colly":
		f, err := fetch.NewCollyFetcher(fetchCfg, pool, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init colly fetcher: %w", err)
		}
		return f, nil
	case "headless":
		f, err := fetch.NewHeadlessFetcher(fetch.HeadlessConfig{
			MaxParallel: a.cfg.Headless.MaxParallel,
			NavTimeout:  a.cfg.Headless.NavTimeout,
			DomainQPS:   a.cfg.Headless.DomainQPS,
		}, pool, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := f.Close(); err != nil {
				a.logger.Warn("close headless fetcher", zap.Error(err))
			}
		})
		return f, nil
	default:
		return nil, fmt.Errorf("unknown fetch strategy %q", a.cfg.Fetch.Strategy)
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	l, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return l, nil
}
