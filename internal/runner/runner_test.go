package runner

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aquawatch/waterbot/internal/alert"
	"github.com/aquawatch/waterbot/internal/cache"
	"github.com/aquawatch/waterbot/internal/dedup"
	"github.com/aquawatch/waterbot/internal/notify"
	"github.com/aquawatch/waterbot/internal/registry"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

// fakeTarget yields a canned record set or error, counting Collect calls.
type fakeTarget struct {
	mu       sync.Mutex
	key      string
	records  []alert.Record
	err      error
	block    chan struct{}
	collects int
}

func (t *fakeTarget) CacheKey() string {
	return t.key
}

func (t *fakeTarget) Collect(ctx context.Context, _ alert.Fetcher) ([]alert.Record, error) {
	t.mu.Lock()
	t.collects++
	t.mu.Unlock()
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.err != nil {
		return nil, t.err
	}
	return t.records, nil
}

func (t *fakeTarget) Fallback() []alert.Record {
	return []alert.Record{{Title: "Unavailable", Message: "placeholder", Fingerprint: "fp-placeholder"}}
}

func (t *fakeTarget) collectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collects
}

type nopFetcher struct{}

func (nopFetcher) Fetch(context.Context, string, url.Values) ([]byte, error) {
	return nil, nil
}

type harness struct {
	pipeline *Pipeline
	cache    *cache.ResultCache
	registry *registry.MemoryRegistry
	clock    *fakeClock
}

type sink struct {
	mu        sync.Mutex
	delivered []int64
}

func (s *sink) Deliver(_ context.Context, chatID int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, chatID)
	return nil
}

func newHarness(t *testing.T, targets ...alert.Target) (*harness, *sink) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	reg := registry.NewMemoryRegistry(clk)
	store := dedup.NewMemoryStore(time.Hour, clk)
	transport := &sink{}
	notifier := notify.New(store, reg, transport, clk, notify.Config{DeliveryDelay: time.Nanosecond}, zap.NewNop())
	resultCache := cache.New(time.Hour, clk)

	p := NewPipeline(targets, nopFetcher{}, resultCache, reg, notifier, clk, Config{}, zap.NewNop())
	return &harness{pipeline: p, cache: resultCache, registry: reg, clock: clk}, transport
}

func mostaRecord() alert.Record {
	return alert.Record{Title: "Water interruption in Mosta", Message: "details", Fingerprint: "fp-mosta"}
}

func TestRunCycleCollectsAndNotifies(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{key: "water", records: []alert.Record{mostaRecord()}}
	h, transport := newHarness(t, target)

	_, err := h.registry.Upsert(context.Background(), alert.Subscriber{ChatID: 1, Location: "Mosta", Active: true})
	require.NoError(t, err)

	report, err := h.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, report.CycleID)
	require.Equal(t, 1, report.RecordsFound)
	require.Equal(t, 1, report.NotificationsSent)
	require.Empty(t, report.Errors)
	require.Equal(t, []int64{1}, transport.delivered)
}

func TestRunCycleServesValidCache(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{key: "water", records: []alert.Record{mostaRecord()}}
	h, _ := newHarness(t, target)

	_, err := h.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, target.collectCount())

	// Second cycle within the TTL never touches the target.
	_, err = h.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, target.collectCount())

	// Past the TTL the target is collected again.
	h.clock.now = h.clock.now.Add(2 * time.Hour)
	_, err = h.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, target.collectCount())
}

func TestRunCycleFallsBackToStaleCache(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{key: "water", records: []alert.Record{mostaRecord()}}
	h, _ := newHarness(t, target)

	_, err := h.pipeline.RunCycle(context.Background())
	require.NoError(t, err)

	h.clock.now = h.clock.now.Add(2 * time.Hour)
	target.err = errors.New("origin blocked")

	report, err := h.pipeline.RunCycle(context.Background())
	require.NoError(t, err, "collection failure degrades the cycle, it does not fail it")
	require.Equal(t, 1, report.RecordsFound, "stale cache entry is served")
	require.Len(t, report.Errors, 1)
	require.Contains(t, report.Errors[0], "stale")
}

func TestRunCycleFallsBackToPlaceholder(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{key: "water", err: errors.New("origin blocked")}
	h, _ := newHarness(t, target)

	report, err := h.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.RecordsFound, "placeholder record is served when no cache exists")
	require.Len(t, report.Errors, 1)
	require.Contains(t, report.Errors[0], "placeholder")
}

func TestRunCyclePlaceholderIsNeverDelivered(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{key: "water", err: errors.New("origin blocked")}
	h, transport := newHarness(t, target)

	_, err := h.registry.Upsert(context.Background(), alert.Subscriber{ChatID: 1, Location: "Mosta", Active: true})
	require.NoError(t, err)

	report, err := h.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.NotificationsSent)
	require.Empty(t, transport.delivered, "placeholder title matches no location")
}

func TestRunCycleRejectsOverlap(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	target := &fakeTarget{key: "water", records: []alert.Record{mostaRecord()}, block: release}
	h, _ := newHarness(t, target)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.pipeline.RunCycle(context.Background())
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		return target.collectCount() == 1
	}, time.Second, time.Millisecond, "first cycle reached collection")

	_, err := h.pipeline.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrCycleInFlight)

	close(release)
	<-done

	// Once the first cycle finishes the guard is released.
	_, err = h.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
}

func TestRunCycleMergesMultipleTargets(t *testing.T) {
	t.Parallel()

	a := &fakeTarget{key: "water", records: []alert.Record{mostaRecord()}}
	b := &fakeTarget{key: "roads", records: []alert.Record{{Title: "Road works in Kalkara", Fingerprint: "fp-road"}}}
	h, _ := newHarness(t, a, b)

	report, err := h.pipeline.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.RecordsFound)
}
