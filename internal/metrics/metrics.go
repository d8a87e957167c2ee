// Package metrics provides Prometheus metrics for the card ledger backend.
// Scrape these at /metrics for Grafana dashboards and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var (
	// Sync orchestrator metrics
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cards_sync_runs_total",
			Help: "Total sync runs by terminal state",
		},
		[]string{"state"},
	)

	SyncRunsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cards_sync_runs_skipped_total",
			Help: "Sync triggers skipped because a run was already in progress",
		},
	)

	SyncRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cards_sync_run_duration_seconds",
			Help:    "Time taken to complete a sync run",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	CardsChecked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cards_sync_cards_checked_total",
			Help: "Distinct cards priced across all sync runs",
		},
	)

	CardsUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cards_sync_cards_updated_total",
			Help: "Card price updates applied across all sync runs",
		},
	)

	SyncErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cards_sync_errors_total",
			Help: "Per-card and per-context errors accumulated during sync runs",
		},
		[]string{"stage"},
	)

	PendingWatchlistSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cards_sync_pending_watchlist_size",
			Help: "Card IDs parked below the manual-trigger batch threshold",
		},
	)

	// Market feed metrics
	FeedQuotaRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cards_feed_quota_remaining",
			Help: "Remaining market feed requests for today",
		},
	)

	FeedQuotaLimit = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cards_feed_quota_limit",
			Help: "Daily market feed request limit",
		},
	)

	// Notification hub metrics
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cards_websocket_clients",
			Help: "Currently connected websocket clients",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cards_events_published_total",
			Help: "Events published to the notification hub by topic",
		},
		[]string{"topic"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cards_events_dropped_total",
			Help: "Events dropped because a client send buffer was full",
		},
	)

	// Tracked data metrics
	ContextsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cards_contexts_total",
			Help: "Number of tracked contexts by kind",
		},
		[]string{"kind"},
	)

	TrackedValueUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cards_tracked_value_usd",
			Help: "Total tracked value in USD by context kind",
		},
		[]string{"kind"},
	)
)

// UpdateContextMetrics refreshes the tracked-data gauges from the database.
// Called after each sync run so dashboards reflect updated values.
func UpdateContextMetrics(db *gorm.DB) {
	type kindStats struct {
		Kind       string
		Count      int
		TotalValue float64
	}

	var results []kindStats
	db.Table("contexts").
		Select("kind, COUNT(*) as count, COALESCE(SUM(total_price), 0) as total_value").
		Group("kind").
		Scan(&results)

	for _, r := range results {
		ContextsTotal.WithLabelValues(r.Kind).Set(float64(r.Count))
		TrackedValueUSD.WithLabelValues(r.Kind).Set(r.TotalValue)
	}
}
