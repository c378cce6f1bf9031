// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Upstream metrics
	UpstreamLatency   *prometheus.HistogramVec
	UpstreamRequests  *prometheus.CounterVec
	FallbacksServed   *prometheus.CounterVec
	MetadataCacheHits prometheus.Counter

	// Tracker metrics
	TrackedTokens   *prometheus.GaugeVec
	PollsTotal      *prometheus.CounterVec
	PollsSkipped    prometheus.Counter
	AlertsEmitted   *prometheus.CounterVec
	TransactionsIn  prometheus.Counter
	SubscriptionsUp prometheus.Gauge

	// Event bus metrics
	WSClients     prometheus.Gauge
	WSFramesSent  *prometheus.CounterVec
	BusReconnects prometheus.Counter
	BusFallbacks  prometheus.Counter
	HandlerPanics *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "solana_token_tracker"
	}

	return &Metrics{
		UpstreamLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_latency_seconds",
			Help:      "Upstream API latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
		UpstreamRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream API requests by outcome kind",
		}, []string{"provider", "operation", "outcome"}),
		FallbacksServed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "fallbacks_total",
			Help:      "Fallback records synthesized after auth or method failures",
		}, []string{"provider", "kind"}),
		MetadataCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "metadata_cache_hits_total",
			Help:      "Metadata lookups answered from cache",
		}),

		TrackedTokens: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "tracked_tokens",
			Help:      "Currently tracked tokens by state",
		}, []string{"state"}),
		PollsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "polls_total",
			Help:      "Price polls by result",
		}, []string{"result"}),
		PollsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "polls_skipped_total",
			Help:      "Poll ticks skipped because the previous poll was still running",
		}),
		AlertsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "alerts_total",
			Help:      "Price alerts emitted by type",
		}, []string{"type"}),
		TransactionsIn: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "transactions_received_total",
			Help:      "Transactions received from push subscriptions",
		}),
		SubscriptionsUp: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "subscriptions_open",
			Help:      "Open provider push subscriptions",
		}),

		WSClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "ws_clients",
			Help:      "Connected WebSocket clients",
		}),
		WSFramesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "frames_sent_total",
			Help:      "Frames pushed to WebSocket clients by type",
		}, []string{"type"}),
		BusReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "reconnect_attempts_total",
			Help:      "WebSocket client reconnect attempts",
		}),
		BusFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "fallback_mode_total",
			Help:      "Times the WebSocket client entered fallback mode",
		}),
		HandlerPanics: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "handler_panics_total",
			Help:      "Subscriber callbacks that panicked, by channel",
		}, []string{"channel"}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_latency_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordUpstream records one upstream call and its outcome ("ok" or an error kind).
func RecordUpstream(provider, operation, outcome string, elapsed time.Duration) {
	DefaultMetrics.UpstreamLatency.WithLabelValues(provider, operation).Observe(elapsed.Seconds())
	DefaultMetrics.UpstreamRequests.WithLabelValues(provider, operation, outcome).Inc()
}

// RecordFallback records a synthesized fallback record.
func RecordFallback(provider, kind string) {
	DefaultMetrics.FallbacksServed.WithLabelValues(provider, kind).Inc()
}

// RecordCacheHit records a metadata cache hit.
func RecordCacheHit() {
	DefaultMetrics.MetadataCacheHits.Inc()
}

// SetTrackedTokens updates the tracked token gauges.
func SetTrackedTokens(live, fallback int) {
	DefaultMetrics.TrackedTokens.WithLabelValues("live").Set(float64(live))
	DefaultMetrics.TrackedTokens.WithLabelValues("fallback").Set(float64(fallback))
}

// RecordPoll records a finished price poll ("ok", "error" or "discarded").
func RecordPoll(result string) {
	DefaultMetrics.PollsTotal.WithLabelValues(result).Inc()
}

// RecordPollSkipped records a tick skipped while a poll was in flight.
func RecordPollSkipped() {
	DefaultMetrics.PollsSkipped.Inc()
}

// RecordAlert records an emitted alert.
func RecordAlert(alertType string) {
	DefaultMetrics.AlertsEmitted.WithLabelValues(alertType).Inc()
}

// RecordTransaction records a pushed transaction.
func RecordTransaction() {
	DefaultMetrics.TransactionsIn.Inc()
}

// AddSubscriptions adjusts the open subscription gauge.
func AddSubscriptions(delta int) {
	DefaultMetrics.SubscriptionsUp.Add(float64(delta))
}

// AddWSClients adjusts the connected WebSocket client gauge.
func AddWSClients(delta int) {
	DefaultMetrics.WSClients.Add(float64(delta))
}

// RecordFrameSent records a frame pushed to a WebSocket client.
func RecordFrameSent(frameType string) {
	DefaultMetrics.WSFramesSent.WithLabelValues(frameType).Inc()
}

// RecordBusReconnect records a reconnect attempt of the event bus client.
func RecordBusReconnect() {
	DefaultMetrics.BusReconnects.Inc()
}

// RecordBusFallback records the event bus client entering fallback mode.
func RecordBusFallback() {
	DefaultMetrics.BusFallbacks.Inc()
}

// RecordHandlerPanic records a subscriber callback panic.
func RecordHandlerPanic(channel string) {
	DefaultMetrics.HandlerPanics.WithLabelValues(channel).Inc()
}

// RecordHTTP records a served HTTP request.
func RecordHTTP(method, route, status string, elapsed time.Duration) {
	DefaultMetrics.HTTPRequests.WithLabelValues(method, route, status).Inc()
	DefaultMetrics.HTTPLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, elapsed time.Duration, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(elapsed.Seconds())
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
