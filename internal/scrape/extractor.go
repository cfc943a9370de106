// Package scrape turns raw markup from the water-alert origin into typed
// records with stable identity.
package scrape

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/aquawatch/waterbot/internal/alert"
)

var whitespaceRE = regexp.MustCompile(`\s+`)

// The origin renders each alert as a Bootstrap accordion: a toggle anchor
// carrying the title, and a collapsible panel body carrying the message.
const toggleSelector = "a.accordion-toggle, a.accordion-icon, a.link-unstyled, a.collapsed"

// Extractor parses alert pages. It is safe for concurrent use.
type Extractor struct {
	sourceURL string
	clock     alert.Clock
	logger    *zap.Logger
}

// NewExtractor constructs an Extractor. sourceURL is stamped onto every
// record so subscribers can follow up on the origin page.
func NewExtractor(sourceURL string, clock alert.Clock, logger *zap.Logger) *Extractor {
	return &Extractor{
		sourceURL: sourceURL,
		clock:     clock,
		logger:    logger,
	}
}

// Extract locates every accordion panel in the document and pairs each
// toggle with its body. A toggle without a matching body is skipped, not an
// error, and one broken panel never aborts the rest of the batch.
func (e *Extractor) Extract(raw []byte) ([]alert.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var records []alert.Record
	skipped := 0
	doc.Find(toggleSelector).Each(func(_ int, toggle *goquery.Selection) {
		rec, ok := e.extractPanel(toggle)
		if !ok {
			skipped++
			return
		}
		records = append(records, rec)
	})

	if skipped > 0 {
		e.logger.Debug("skipped panels without extractable body", zap.Int("count", skipped))
	}
	return records, nil
}

func (e *Extractor) extractPanel(toggle *goquery.Selection) (alert.Record, bool) {
	title := normalizeWhitespace(toggle.Text())
	if title == "" {
		return alert.Record{}, false
	}

	panel := toggle.Closest("div.panel")
	if panel.Length() == 0 {
		return alert.Record{}, false
	}
	wrapper := panel.Find(`div[class*="panel-collapse"]`).First()
	if wrapper.Length() == 0 {
		return alert.Record{}, false
	}
	body := wrapper.Find("div.panel-body").First()
	if body.Length() == 0 {
		// Older page variant uses a bare "body" class on the panel div.
		body = wrapper.Find("div.body").First()
	}
	if body.Length() == 0 {
		return alert.Record{}, false
	}

	message := normalizeWhitespace(textContent(body))

	return alert.Record{
		Title:       title,
		Message:     message,
		SourceURL:   e.sourceURL,
		PublishedAt: e.clock.Now(),
		Fingerprint: Fingerprint(title, message),
	}, true
}

// textContent joins the text nodes under sel with spaces. goquery's Text
// concatenates adjacent nodes without a separator, which glues words from
// sibling elements together.
func textContent(sel *goquery.Selection) string {
	var parts []string
	for _, node := range sel.Nodes {
		collectText(node, &parts)
	}
	return strings.Join(parts, " ")
}

func collectText(n *html.Node, parts *[]string) {
	if n.Type == html.TextNode {
		if text := strings.TrimSpace(n.Data); text != "" {
			*parts = append(*parts, text)
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}
