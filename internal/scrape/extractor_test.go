package scrape

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

const accordionPage = `
<html><body>
<div class="panel">
  <a class="accordion-toggle">  Water interruption in
     Kalkara  </a>
  <div class="panel-collapse collapse">
    <div class="panel-body">
      <p>Works on the main line.</p>
      <p>Expected restoration by <strong>18:00</strong>.</p>
    </div>
  </div>
</div>
<div class="panel">
  <a class="link-unstyled">Maintenance in Mosta</a>
  <div class="panel-collapse">
    <div class="body">Old layout body text.</div>
  </div>
</div>
</body></html>`

func newTestExtractor() *Extractor {
	return NewExtractor("https://example.org/alerts", &fakeClock{now: time.Unix(1700000000, 0).UTC()}, zap.NewNop())
}

func TestExtractAccordionPanels(t *testing.T) {
	t.Parallel()

	records, err := newTestExtractor().Extract([]byte(accordionPage))
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.Equal(t, "Water interruption in Kalkara", records[0].Title)
	require.Equal(t, "Works on the main line. Expected restoration by 18:00 .", records[0].Message)
	require.Equal(t, "https://example.org/alerts", records[0].SourceURL)
	require.Equal(t, Fingerprint(records[0].Title, records[0].Message), records[0].Fingerprint)

	require.Equal(t, "Maintenance in Mosta", records[1].Title)
	require.Equal(t, "Old layout body text.", records[1].Message)
}

func TestExtractSkipsBrokenPanels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		html string
	}{
		{
			name: "toggle without panel ancestor",
			html: `<a class="accordion-toggle">Orphan title</a>`,
		},
		{
			name: "panel without collapse wrapper",
			html: `<div class="panel"><a class="accordion-toggle">No wrapper</a></div>`,
		},
		{
			name: "wrapper without body",
			html: `<div class="panel"><a class="accordion-toggle">No body</a>
				<div class="panel-collapse"><span>not a body div</span></div></div>`,
		},
		{
			name: "empty title",
			html: `<div class="panel"><a class="accordion-toggle">   </a>
				<div class="panel-collapse"><div class="panel-body">text</div></div></div>`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			records, err := newTestExtractor().Extract([]byte(tc.html))
			require.NoError(t, err)
			require.Empty(t, records)
		})
	}
}

func TestExtractBrokenPanelDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	page := `
<div class="panel"><a class="accordion-toggle">Broken</a></div>
<div class="panel"><a class="accordion-toggle">Valid alert</a>
  <div class="panel-collapse"><div class="panel-body">body text</div></div>
</div>`

	records, err := newTestExtractor().Extract([]byte(page))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "Valid alert", records[0].Title)
}

func TestExtractEmptyDocument(t *testing.T) {
	t.Parallel()

	records, err := newTestExtractor().Extract([]byte("<html><body></body></html>"))
	require.NoError(t, err)
	require.Empty(t, records)
}
