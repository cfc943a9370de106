package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aquawatch/waterbot/internal/alert"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func sampleRecords() []alert.Record {
	return []alert.Record{
		{Title: "Alert A", Message: "supply interruption", Fingerprint: "fp-a"},
		{Title: "Alert B", Message: "maintenance work", Fingerprint: "fp-b"},
	}
}

func TestGetMissingKey(t *testing.T) {
	t.Parallel()

	c := New(time.Hour, &fakeClock{now: time.Unix(1700000000, 0)})
	data, ok := c.Get("water")
	require.False(t, ok)
	require.Nil(t, data)
	require.False(t, c.IsValid("water"))
}

func TestPutThenGet(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	c := New(time.Hour, clk)
	c.Put("water", sampleRecords())

	data, ok := c.Get("water")
	require.True(t, ok)
	require.Equal(t, sampleRecords(), data)
	require.True(t, c.IsValid("water"))
}

func TestValidityExpiresAtTTL(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	c := New(time.Hour, clk)
	c.Put("water", sampleRecords())

	clk.now = clk.now.Add(time.Hour - time.Second)
	require.True(t, c.IsValid("water"))

	clk.now = clk.now.Add(time.Second)
	require.False(t, c.IsValid("water"), "entry aged exactly to the TTL is no longer valid")

	// Stale entries stay readable for the fallback path.
	data, ok := c.Get("water")
	require.True(t, ok)
	require.Len(t, data, 2)
}

func TestPutOverwritesWholeEntry(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	c := New(time.Hour, clk)
	c.Put("water", sampleRecords())

	replacement := []alert.Record{{Title: "Alert C", Fingerprint: "fp-c"}}
	clk.now = clk.now.Add(30 * time.Minute)
	c.Put("water", replacement)

	data, ok := c.Get("water")
	require.True(t, ok)
	require.Equal(t, replacement, data)
	require.True(t, c.IsValid("water"), "overwrite refreshes the capture time")
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()

	c := New(time.Hour, &fakeClock{now: time.Unix(1700000000, 0)})
	c.Put("water", sampleRecords())

	first, ok := c.Get("water")
	require.True(t, ok)
	first[0].Title = "mutated"

	second, ok := c.Get("water")
	require.True(t, ok)
	require.Equal(t, "Alert A", second[0].Title)
}

func TestFallbackPrefersStaleData(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	c := New(time.Hour, clk)
	c.Put("water", sampleRecords())
	clk.now = clk.now.Add(48 * time.Hour)

	placeholder := []alert.Record{{Title: "Unavailable"}}
	got := c.Fallback("water", placeholder)
	require.Equal(t, sampleRecords(), got)
}

func TestFallbackUsesPlaceholderWhenEmpty(t *testing.T) {
	t.Parallel()

	c := New(time.Hour, &fakeClock{now: time.Unix(1700000000, 0)})
	placeholder := []alert.Record{{Title: "Unavailable"}}
	got := c.Fallback("water", placeholder)
	require.Equal(t, placeholder, got)
}
