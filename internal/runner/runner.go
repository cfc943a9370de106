// Package runner orchestrates the fetch → extract → cache → fan-out
// pipeline and its periodic trigger.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aquawatch/waterbot/internal/alert"
	"github.com/aquawatch/waterbot/internal/cache"
	"github.com/aquawatch/waterbot/internal/metrics"
	"github.com/aquawatch/waterbot/internal/notify"
)

// ErrCycleInFlight is returned when a trigger fires while the previous
// cycle for this pipeline is still running.
var ErrCycleInFlight = errors.New("check cycle already in flight")

// Config controls Pipeline behavior.
type Config struct {
	// MaxParallelTargets bounds concurrent target collection.
	MaxParallelTargets int
}

// Pipeline executes one full check cycle: collect records from every
// target (through the result cache), then hand the merged set to the
// notifier together with the current subscriber list.
type Pipeline struct {
	targets  []alert.Target
	fetcher  alert.Fetcher
	cache    *cache.ResultCache
	registry alert.Registry
	notifier *notify.Notifier
	clock    alert.Clock
	logger   *zap.Logger
	cfg      Config

	inFlight atomic.Bool
}

// NewPipeline constructs a Pipeline.
func NewPipeline(
	targets []alert.Target,
	fetcher alert.Fetcher,
	resultCache *cache.ResultCache,
	registry alert.Registry,
	notifier *notify.Notifier,
	clock alert.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.MaxParallelTargets <= 0 {
		cfg.MaxParallelTargets = 2
	}
	return &Pipeline{
		targets:  targets,
		fetcher:  fetcher,
		cache:    resultCache,
		registry: registry,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
	}
}

// RunCycle executes one cycle to completion. Overlapping invocations are
// rejected with ErrCycleInFlight so a slow cycle is never doubled up with
// duplicate session rebuilds or cache races.
func (p *Pipeline) RunCycle(ctx context.Context) (alert.CycleReport, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return alert.CycleReport{}, ErrCycleInFlight
	}
	defer p.inFlight.Store(false)

	report := alert.CycleReport{
		CycleID:   uuid.NewString(),
		StartedAt: p.clock.Now(),
	}
	logger := p.logger.With(zap.String("cycle_id", report.CycleID))
	logger.Info("check cycle started")

	records := p.collectAll(ctx, logger, &report)
	report.RecordsFound = len(records)
	metrics.AlertsExtracted(len(records))

	subscribers, err := p.registry.ActiveSubscribers(ctx)
	if err != nil {
		// Nothing to fan out to; the cycle degrades to "delivered nothing
		// new" rather than failing the process.
		report.Errors = append(report.Errors, fmt.Sprintf("active subscribers: %v", err))
		p.finish(logger, &report, "degraded")
		return report, nil
	}

	summary := p.notifier.Run(ctx, records, subscribers)
	report.NotificationsSent = summary.Sent
	report.Errors = append(report.Errors, summary.Errors...)

	outcome := "ok"
	if len(report.Errors) > 0 {
		outcome = "degraded"
	}
	p.finish(logger, &report, outcome)
	return report, nil
}

// collectAll gathers records from every target concurrently. A target
// failure substitutes the fallback chain; it never aborts the cycle.
func (p *Pipeline) collectAll(ctx context.Context, logger *zap.Logger, report *alert.CycleReport) []alert.Record {
	var mu sync.Mutex
	var all []alert.Record

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxParallelTargets)
	for _, target := range p.targets {
		g.Go(func() error {
			records, cycleErr := p.collectTarget(gctx, logger, target)
			mu.Lock()
			all = append(all, records...)
			if cycleErr != "" {
				report.Errors = append(report.Errors, cycleErr)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // target goroutines never return errors
	return all
}

func (p *Pipeline) collectTarget(ctx context.Context, logger *zap.Logger, target alert.Target) ([]alert.Record, string) {
	key := target.CacheKey()
	if p.cache.IsValid(key) {
		if records, ok := p.cache.Get(key); ok {
			metrics.CacheResult("hit")
			logger.Debug("serving valid cache entry", zap.String("cache_key", key))
			return records, ""
		}
	}

	records, err := target.Collect(ctx, p.fetcher)
	if err != nil {
		logger.Warn("target collection failed, using fallback",
			zap.String("cache_key", key),
			zap.Error(err),
		)
		if stale, ok := p.cache.Get(key); ok {
			metrics.CacheResult("stale")
			return stale, fmt.Sprintf("collect %s (serving stale cache): %v", key, err)
		}
		metrics.CacheResult("placeholder")
		return target.Fallback(), fmt.Sprintf("collect %s (serving placeholder): %v", key, err)
	}

	p.cache.Put(key, records)
	metrics.CacheResult("refresh")
	logger.Info("target collected",
		zap.String("cache_key", key),
		zap.Int("records", len(records)),
	)
	return records, ""
}

func (p *Pipeline) finish(logger *zap.Logger, report *alert.CycleReport, outcome string) {
	report.Duration = p.clock.Now().Sub(report.StartedAt)
	metrics.CycleFinished(outcome, report.Duration)
	logger.Info("check cycle finished",
		zap.String("outcome", outcome),
		zap.Int("records_found", report.RecordsFound),
		zap.Int("notifications_sent", report.NotificationsSent),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("duration", report.Duration),
	)
}
