// Package metrics exposes Prometheus collectors for the alert service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	alertsExtractedTotal     prometheus.Counter
	notificationsSentTotal   prometheus.Counter
	notificationsFailedTotal *prometheus.CounterVec
	blockSignalsTotal        prometheus.Counter
	identityRotationsTotal   prometheus.Counter
	cyclesTotal              *prometheus.CounterVec
	cycleDurationSeconds     prometheus.Histogram
	cacheResultsTotal        *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple
// times; helpers are no-ops until it runs.
func Init() {
	once.Do(func() {
		alertsExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "waterbot_alerts_extracted_total",
			Help: "Total number of alert records extracted from the origin.",
		})

		notificationsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "waterbot_notifications_sent_total",
			Help: "Total number of notifications delivered to subscribers.",
		})

		notificationsFailedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waterbot_notifications_failed_total",
				Help: "Total number of failed deliveries, labeled by reason.",
			},
			[]string{"reason"},
		)

		blockSignalsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "waterbot_block_signals_total",
			Help: "Total number of block signals (403) received from the origin.",
		})

		identityRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "waterbot_identity_rotations_total",
			Help: "Total number of identity rotations triggered by block signals.",
		})

		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waterbot_cycles_total",
				Help: "Total number of check cycles, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cycleDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "waterbot_cycle_duration_seconds",
			Help:    "Histogram of check cycle durations.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		})

		cacheResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waterbot_cache_results_total",
				Help: "Result cache outcomes: hit, refresh, stale, placeholder.",
			},
			[]string{"outcome"},
		)
	})
}

// AlertsExtracted counts records produced by the extractor.
func AlertsExtracted(n int) {
	if alertsExtractedTotal != nil {
		alertsExtractedTotal.Add(float64(n))
	}
}

// NotificationSent counts one delivered notification.
func NotificationSent() {
	if notificationsSentTotal != nil {
		notificationsSentTotal.Inc()
	}
}

// NotificationFailed counts one failed delivery by reason.
func NotificationFailed(reason string) {
	if notificationsFailedTotal != nil {
		notificationsFailedTotal.WithLabelValues(reason).Inc()
	}
}

// BlockSignal counts one 403 from the origin.
func BlockSignal() {
	if blockSignalsTotal != nil {
		blockSignalsTotal.Inc()
	}
}

// IdentityRotation counts one session rebuild with a fresh identity.
func IdentityRotation() {
	if identityRotationsTotal != nil {
		identityRotationsTotal.Inc()
	}
}

// CycleFinished records a completed cycle and its duration.
func CycleFinished(outcome string, d time.Duration) {
	if cyclesTotal != nil {
		cyclesTotal.WithLabelValues(outcome).Inc()
	}
	if cycleDurationSeconds != nil {
		cycleDurationSeconds.Observe(d.Seconds())
	}
}

// CacheResult records a result cache outcome.
func CacheResult(outcome string) {
	if cacheResultsTotal != nil {
		cacheResultsTotal.WithLabelValues(outcome).Inc()
	}
}
