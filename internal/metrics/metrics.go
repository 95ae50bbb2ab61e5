package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event log metrics
	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "murmur_events_appended_total",
			Help: "Total number of events appended to the message log by kind",
		},
		[]string{"kind"},
	)

	MessagesRecalled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "murmur_messages_recalled_total",
			Help: "Total number of messages recalled by their authors",
		},
	)

	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "murmur_store_operation_duration_seconds",
			Help:    "Event log store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)

	CursorResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "murmur_pagination_cursor_resets_total",
			Help: "Total number of malformed or stale cursors that restarted pagination",
		},
	)

	// Realtime metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "murmur_realtime_sessions_active",
			Help: "Number of registered realtime sessions",
		},
	)

	FanoutDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "murmur_fanout_deliveries_total",
			Help: "Realtime pushes by event type and result",
		},
		[]string{"event", "result"},
	)

	FanoutDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "murmur_fanout_dropped_total",
			Help: "Events dropped because the dispatch queue was full",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "murmur_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "murmur_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(EventsAppended)
	prometheus.MustRegister(MessagesRecalled)
	prometheus.MustRegister(StoreOperationDuration)
	prometheus.MustRegister(CursorResets)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(FanoutDeliveries)
	prometheus.MustRegister(FanoutDropped)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStoreOperation records one event log store call.
func ObserveStoreOperation(operation string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StoreOperationDuration.WithLabelValues(operation, result).Observe(time.Since(started).Seconds())
}
