package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream request metrics.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminikit_requests_total",
			Help: "Total number of upstream requests",
		},
		[]string{"auth", "endpoint", "status_class"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geminikit_request_duration_seconds",
			Help:    "Upstream request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"auth", "endpoint", "status_class"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminikit_retries_total",
			Help: "Total number of retried attempts",
		},
		[]string{"model", "reason"},
	)

	RateLimited429Total = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminikit_rate_limited_total",
			Help: "Total number of 429 responses observed",
		},
		[]string{"model"},
	)

	// Concurrency gate metrics.
	PermitsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geminikit_permits_in_flight",
			Help: "Permits currently held per model",
		},
		[]string{"model"},
	)

	TokensConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminikit_tokens_consumed_total",
			Help: "Tokens recorded against per-model budget windows",
		},
		[]string{"model"},
	)

	// Streaming metrics.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geminikit_streams_active",
			Help: "SSE streams currently running",
		},
	)

	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminikit_stream_events_total",
			Help: "SSE events forwarded to subscribers",
		},
		[]string{"model"},
	)

	// Tool orchestration metrics.
	ToolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminikit_tool_executions_total",
			Help: "Tool batches executed by the orchestrator",
		},
		[]string{"status"},
	)

	// Live session metrics.
	LiveSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geminikit_live_sessions_active",
			Help: "Live WebSocket sessions currently open",
		},
	)

	LiveReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geminikit_live_reconnects_total",
			Help: "Live session reconnection attempts",
		},
	)

	// Token cache metrics.
	TokenCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminikit_token_cache_total",
			Help: "Token cache lookups by outcome",
		},
		[]string{"outcome"},
	)
)

// StatusClass buckets an HTTP status for the status_class label.
func StatusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

// RecordRequest records one finished upstream attempt.
func RecordRequest(auth, endpoint string, status int, seconds float64) {
	class := StatusClass(status)
	RequestsTotal.WithLabelValues(auth, endpoint, class).Inc()
	RequestDuration.WithLabelValues(auth, endpoint, class).Observe(seconds)
}
