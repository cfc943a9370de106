// Package notify implements the dedup-checked fan-out of freshly scraped
// records to interested subscribers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aquawatch/waterbot/internal/alert"
	"github.com/aquawatch/waterbot/internal/metrics"
)

// Config controls Notifier behavior.
type Config struct {
	// DeliveryDelay throttles outbound messages per subscriber group.
	DeliveryDelay time.Duration
	// MaxParallelGroups bounds concurrent interest-key groups.
	MaxParallelGroups int
}

// Summary reports what one fan-out pass did.
type Summary struct {
	Sent   int
	Errors []string
}

// Notifier groups active subscribers by location, intersects each group's
// interest against the record set, skips already-delivered fingerprints
// and records successful deliveries durably.
type Notifier struct {
	dedup     alert.DedupStore
	registry  alert.Registry
	transport alert.Transport
	clock     alert.Clock
	logger    *zap.Logger
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration)
}

// New constructs a Notifier.
func New(
	dedup alert.DedupStore,
	registry alert.Registry,
	transport alert.Transport,
	clock alert.Clock,
	cfg Config,
	logger *zap.Logger,
) *Notifier {
	if cfg.DeliveryDelay <= 0 {
		cfg.DeliveryDelay = 100 * time.Millisecond
	}
	if cfg.MaxParallelGroups <= 0 {
		cfg.MaxParallelGroups = 4
	}
	return &Notifier{
		dedup:     dedup,
		registry:  registry,
		transport: transport,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
		sleep:     cooperativeSleep,
	}
}

// Run fans records out to subscribers. Location groups run concurrently;
// within a group each subscriber's deliver-then-mark sequence is serial so
// a crash between the two is observable as an undelivered fingerprint
// (at-least-once, never at-most-zero).
func (n *Notifier) Run(ctx context.Context, records []alert.Record, subscribers []alert.Subscriber) Summary {
	groups := groupByLocation(subscribers)
	if len(groups) == 0 {
		n.logger.Info("no subscribers with a location to notify")
		return Summary{}
	}

	var mu sync.Mutex
	summary := Summary{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.MaxParallelGroups)
	for location, group := range groups {
		matched := filterByLocation(records, location)
		if len(matched) == 0 {
			continue
		}
		n.logger.Info("alerts matched for location",
			zap.String("location", location),
			zap.Int("alerts", len(matched)),
			zap.Int("subscribers", len(group)),
		)
		g.Go(func() error {
			sent, errs := n.notifyGroup(gctx, group, matched)
			mu.Lock()
			summary.Sent += sent
			summary.Errors = append(summary.Errors, errs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // group goroutines never return errors

	return summary
}

func (n *Notifier) notifyGroup(ctx context.Context, group []alert.Subscriber, records []alert.Record) (int, []string) {
	sent := 0
	var errs []string
	for _, sub := range group {
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return sent, errs
			}
			if n.dedup.HasBeenSent(ctx, sub.ChatID, rec.Fingerprint) {
				continue
			}

			err := n.transport.Deliver(ctx, sub.ChatID, FormatMessage(rec))
			// Every attempt counts against the throttle; a run of failures
			// must not hammer the transport back to back.
			n.sleep(ctx, n.cfg.DeliveryDelay)
			if err != nil {
				if errors.Is(err, alert.ErrRecipientBlocked) {
					n.logger.Info("subscriber blocked the bot, deactivating",
						zap.Int64("chat_id", sub.ChatID),
					)
					metrics.NotificationFailed("blocked")
					if derr := n.registry.Deactivate(ctx, sub.ChatID); derr != nil {
						errs = append(errs, fmt.Sprintf("deactivate %d: %v", sub.ChatID, derr))
					}
					break
				}
				// Not marked sent, so the next cycle re-attempts.
				n.logger.Warn("delivery failed",
					zap.Int64("chat_id", sub.ChatID),
					zap.Error(err),
				)
				metrics.NotificationFailed("error")
				errs = append(errs, fmt.Sprintf("deliver to %d: %v", sub.ChatID, err))
				continue
			}

			sent++
			metrics.NotificationSent()
			if err := n.dedup.MarkSent(ctx, sub.ChatID, rec.Fingerprint); err != nil {
				n.logger.Error("mark sent failed, duplicate possible next cycle",
					zap.Int64("chat_id", sub.ChatID),
					zap.Error(err),
				)
				errs = append(errs, fmt.Sprintf("mark sent for %d: %v", sub.ChatID, err))
			}
			if err := n.registry.SetLastNotified(ctx, sub.ChatID, n.clock.Now()); err != nil {
				n.logger.Warn("update last notified failed",
					zap.Int64("chat_id", sub.ChatID),
					zap.Error(err),
				)
			}
		}
	}
	return sent, errs
}

// FormatMessage renders a record the way subscribers see it.
func FormatMessage(rec alert.Record) string {
	return fmt.Sprintf("*%s*\n\n%s", rec.Title, rec.Message)
}

// groupByLocation partitions active subscribers by interest key.
// Subscribers without a location cannot be matched and are skipped.
func groupByLocation(subscribers []alert.Subscriber) map[string][]alert.Subscriber {
	groups := make(map[string][]alert.Subscriber)
	for _, sub := range subscribers {
		if !sub.Active || sub.Location == "" {
			continue
		}
		groups[sub.Location] = append(groups[sub.Location], sub)
	}
	return groups
}

// filterByLocation keeps records whose title contains the location
// verbatim; the origin always names the affected district in the title.
func filterByLocation(records []alert.Record, location string) []alert.Record {
	var out []alert.Record
	for _, rec := range records {
		if strings.Contains(rec.Title, location) {
			out = append(out, rec)
		}
	}
	return out
}

func cooperativeSleep(ctx context.Context, d time.Duration) {
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
