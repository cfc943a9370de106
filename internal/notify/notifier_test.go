package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aquawatch/waterbot/internal/alert"
	"github.com/aquawatch/waterbot/internal/dedup"
	"github.com/aquawatch/waterbot/internal/registry"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type delivery struct {
	chatID int64
	text   string
}

// fakeTransport records deliveries and fails on demand.
type fakeTransport struct {
	mu        sync.Mutex
	delivered []delivery
	failWith  map[int64]error
}

func (t *fakeTransport) Deliver(_ context.Context, chatID int64, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failWith[chatID]; err != nil {
		return err
	}
	t.delivered = append(t.delivered, delivery{chatID: chatID, text: text})
	return nil
}

func (t *fakeTransport) deliveries() []delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]delivery, len(t.delivered))
	copy(out, t.delivered)
	return out
}

func record(title string) alert.Record {
	return alert.Record{
		Title:       title,
		Message:     "details",
		Fingerprint: "fp-" + title,
	}
}

func newHarness(t *testing.T, transport *fakeTransport) (*Notifier, *registry.MemoryRegistry, alert.DedupStore) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	reg := registry.NewMemoryRegistry(clk)
	store := dedup.NewMemoryStore(time.Hour, clk)
	n := New(store, reg, transport, clk, Config{DeliveryDelay: time.Nanosecond}, zap.NewNop())
	return n, reg, store
}

func subscriber(chatID int64, location string) alert.Subscriber {
	return alert.Subscriber{ChatID: chatID, Location: location, Active: true}
}

func TestRunDeliversToMatchingLocations(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	n, _, _ := newHarness(t, transport)

	records := []alert.Record{
		record("Water interruption in Mosta"),
		record("Maintenance in Kalkara"),
	}
	subs := []alert.Subscriber{
		subscriber(1, "Mosta"),
		subscriber(2, "Kalkara"),
		subscriber(3, "Valletta"),
	}

	summary := n.Run(context.Background(), records, subs)
	require.Equal(t, 2, summary.Sent)
	require.Empty(t, summary.Errors)

	got := transport.deliveries()
	require.Len(t, got, 2)
	byChat := map[int64]string{}
	for _, d := range got {
		byChat[d.chatID] = d.text
	}
	require.Equal(t, "*Water interruption in Mosta*\n\ndetails", byChat[1])
	require.Equal(t, "*Maintenance in Kalkara*\n\ndetails", byChat[2])
}

func TestRunSkipsInactiveAndLocationless(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	n, _, _ := newHarness(t, transport)

	records := []alert.Record{record("Water interruption in Mosta")}
	subs := []alert.Subscriber{
		{ChatID: 1, Location: "Mosta", Active: false},
		{ChatID: 2, Location: "", Active: true},
	}

	summary := n.Run(context.Background(), records, subs)
	require.Zero(t, summary.Sent)
	require.Empty(t, transport.deliveries())
}

func TestRunDeliversExactlyOnceAcrossCycles(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	n, _, _ := newHarness(t, transport)

	records := []alert.Record{record("Water interruption in Mosta")}
	subs := []alert.Subscriber{subscriber(1, "Mosta")}

	first := n.Run(context.Background(), records, subs)
	require.Equal(t, 1, first.Sent)

	second := n.Run(context.Background(), records, subs)
	require.Zero(t, second.Sent, "same fingerprint is not re-delivered")
	require.Len(t, transport.deliveries(), 1)
}

func TestRunDeliversChangedContentAgain(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	n, _, _ := newHarness(t, transport)

	subs := []alert.Subscriber{subscriber(1, "Mosta")}
	n.Run(context.Background(), []alert.Record{record("Water interruption in Mosta")}, subs)

	updated := record("Water interruption in Mosta")
	updated.Message = "extended until tomorrow"
	updated.Fingerprint = "fp-updated"
	summary := n.Run(context.Background(), []alert.Record{updated}, subs)
	require.Equal(t, 1, summary.Sent, "changed content means a new fingerprint and a new delivery")
}

func TestRunDeactivatesBlockedSubscriber(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{failWith: map[int64]error{
		1: fmt.Errorf("telegram: %w", alert.ErrRecipientBlocked),
	}}
	n, reg, store := newHarness(t, transport)

	_, err := reg.Upsert(context.Background(), subscriber(1, "Mosta"))
	require.NoError(t, err)

	records := []alert.Record{
		record("Water interruption in Mosta"),
		record("Second alert for Mosta"),
	}
	summary := n.Run(context.Background(), records, []alert.Subscriber{subscriber(1, "Mosta")})
	require.Zero(t, summary.Sent)

	stored, err := reg.Get(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, stored.Active, "blocked subscriber is deactivated")

	// Remaining records for the blocked subscriber were abandoned unmarked.
	require.False(t, store.HasBeenSent(context.Background(), 1, "fp-Second alert for Mosta"))
}

func TestRunContinuesAfterTransientDeliveryFailure(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{failWith: map[int64]error{1: errors.New("timeout")}}
	n, _, store := newHarness(t, transport)

	records := []alert.Record{record("Water interruption in Mosta")}
	subs := []alert.Subscriber{subscriber(1, "Mosta"), subscriber(2, "Mosta")}

	summary := n.Run(context.Background(), records, subs)
	require.Equal(t, 1, summary.Sent)
	require.Len(t, summary.Errors, 1)

	// The failed delivery is not marked, so the next cycle retries it.
	require.False(t, store.HasBeenSent(context.Background(), 1, "fp-Water interruption in Mosta"))
	require.True(t, store.HasBeenSent(context.Background(), 2, "fp-Water interruption in Mosta"))
}

func TestRunThrottlesFailedDeliveries(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{failWith: map[int64]error{1: errors.New("timeout")}}
	n, _, _ := newHarness(t, transport)

	var mu sync.Mutex
	sleeps := 0
	n.sleep = func(context.Context, time.Duration) {
		mu.Lock()
		sleeps++
		mu.Unlock()
	}

	records := []alert.Record{
		record("Water interruption in Mosta"),
		record("Second alert for Mosta"),
	}
	summary := n.Run(context.Background(), records, []alert.Subscriber{subscriber(1, "Mosta")})
	require.Zero(t, summary.Sent)
	require.Equal(t, 2, sleeps, "failed attempts are throttled like successful ones")
}

func TestRunStampsLastNotified(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	n, reg, _ := newHarness(t, transport)

	_, err := reg.Upsert(context.Background(), subscriber(1, "Mosta"))
	require.NoError(t, err)

	n.Run(context.Background(), []alert.Record{record("Water interruption in Mosta")}, []alert.Subscriber{subscriber(1, "Mosta")})

	stored, err := reg.Get(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, stored.LastNotifiedAt)
}

func TestFilterByLocation(t *testing.T) {
	t.Parallel()

	records := []alert.Record{
		record("Water interruption in Mosta and Naxxar"),
		record("Maintenance in Kalkara"),
	}

	require.Len(t, filterByLocation(records, "Mosta"), 1)
	require.Len(t, filterByLocation(records, "Naxxar"), 1)
	require.Empty(t, filterByLocation(records, "Valletta"))
	require.Empty(t, filterByLocation(records, "mosta"), "matching is case-sensitive, titles name districts verbatim")
}
