package scrape

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/aquawatch/waterbot/internal/alert"
)

const waterCacheKey = "water_alerts_all"

// WaterScraper is the water-alert target: the single site this service
// watches. It implements alert.Target.
type WaterScraper struct {
	baseURL   string
	pageCap   int
	extractor *Extractor
	clock     alert.Clock
	logger    *zap.Logger
}

// NewWaterScraper constructs the target. pageCap bounds the paginated feed
// variant; the grouped-accordion variant yields everything on page one and
// terminates the loop via the zero-panel check.
func NewWaterScraper(baseURL string, pageCap int, clock alert.Clock, logger *zap.Logger) *WaterScraper {
	if pageCap <= 0 {
		pageCap = 5
	}
	return &WaterScraper{
		baseURL:   baseURL,
		pageCap:   pageCap,
		extractor: NewExtractor(baseURL, clock, logger),
		clock:     clock,
		logger:    logger,
	}
}

// CacheKey identifies this target's entry in the result cache. Alerts are
// scraped once for all locations; filtering happens at fan-out.
func (s *WaterScraper) CacheKey() string {
	return waterCacheKey
}

// Collect fetches result pages until the page cap or the first page that
// yields zero extractable panels, whichever comes first. A failed page is
// skipped; Collect only errors when no page produced anything, so the
// caller can fall back to cached data.
func (s *WaterScraper) Collect(ctx context.Context, f alert.Fetcher) ([]alert.Record, error) {
	var records []alert.Record
	var lastErr error
	fetchedAny := false

	for page := 1; page <= s.pageCap; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		params := url.Values{}
		if page > 1 {
			params.Set("page", strconv.Itoa(page))
		}

		raw, err := f.Fetch(ctx, s.baseURL, params)
		if err != nil {
			lastErr = err
			s.logger.Warn("page fetch failed",
				zap.Int("page", page),
				zap.Error(err),
			)
			continue
		}
		fetchedAny = true

		pageRecords, err := s.extractor.Extract(raw)
		if err != nil {
			lastErr = err
			s.logger.Warn("page extraction failed",
				zap.Int("page", page),
				zap.Error(err),
			)
			continue
		}
		if len(pageRecords) == 0 {
			s.logger.Debug("page yielded no panels, stopping pagination", zap.Int("page", page))
			break
		}
		records = append(records, pageRecords...)
	}

	if !fetchedAny {
		if lastErr == nil {
			lastErr = fmt.Errorf("no pages fetched")
		}
		return nil, fmt.Errorf("collect water alerts: %w", lastErr)
	}
	return records, nil
}

// Fallback is the fixed placeholder set signaling unavailability. It is
// never empty so downstream fan-out need not special-case missing data;
// its title matches no location, so it is never delivered.
func (s *WaterScraper) Fallback() []alert.Record {
	title := "Water Alerts Unavailable"
	message := "Could not retrieve water supply data"
	return []alert.Record{{
		Title:       title,
		Message:     message,
		SourceURL:   s.baseURL,
		PublishedAt: s.clock.Now(),
		Fingerprint: Fingerprint(title, message),
	}}
}
