// Package metrics provides Prometheus metrics for the dashboard.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashboard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Upstream metrics
	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_upstream_requests_total",
			Help: "Total requests to the upstream service",
		},
		[]string{"operation", "status"},
	)

	upstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashboard_upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_retries_total",
			Help: "Total retries scheduled after transient failures",
		},
		[]string{"operation"},
	)

	// Tree metrics
	treeFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_tree_fetches_total",
			Help: "Total tree listing fetches",
		},
		[]string{"kind", "result"},
	)

	treeNodesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_tree_nodes_loaded",
			Help: "Number of tree nodes currently materialized",
		},
	)

	// Refresh metrics
	refreshTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_refresh_triggers_total",
			Help: "Refresh triggers by outcome (immediate, scheduled, coalesced)",
		},
		[]string{"outcome"},
	)

	refreshPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_refresh_passes_total",
			Help: "Refresh passes by reason",
		},
		[]string{"reason"},
	)

	consumerRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashboard_consumer_refresh_duration_seconds",
			Help:    "Time for a single consumer refresh",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"consumer"},
	)

	panelHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dashboard_panel_healthy",
			Help: "1 if the panel's last refresh succeeded, 0 otherwise",
		},
		[]string{"panel"},
	)

	// Event stream metrics
	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_sse_events_total",
			Help: "Total upstream events received",
		},
		[]string{"type"},
	)

	sseConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_sse_connected",
			Help: "1 while the upstream event stream is connected",
		},
	)

	viewSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_view_subscribers",
			Help: "Number of connected view event subscribers",
		},
	)

	viewEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_view_events_total",
			Help: "Total change notifications published to views",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordUpstreamRequest records the final outcome of an upstream operation.
func RecordUpstreamRequest(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	upstreamRequestsTotal.WithLabelValues(operation, status).Inc()
	upstreamRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRetry records a scheduled retry.
func RecordRetry(operation string) {
	retriesTotal.WithLabelValues(operation).Inc()
}

// RecordTreeFetch records a tree listing fetch. kind is "root" or "children".
func RecordTreeFetch(kind string, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	treeFetchesTotal.WithLabelValues(kind, result).Inc()
}

// SetTreeNodesLoaded sets the number of materialized tree nodes.
func SetTreeNodesLoaded(count int) {
	treeNodesLoaded.Set(float64(count))
}

// RecordTrigger records how a refresh trigger was handled.
func RecordTrigger(outcome string) {
	refreshTriggersTotal.WithLabelValues(outcome).Inc()
}

// RecordRefreshPass records a refresh pass.
func RecordRefreshPass(reason string) {
	refreshPassesTotal.WithLabelValues(reason).Inc()
}

// RecordConsumerRefresh records a single consumer refresh duration.
func RecordConsumerRefresh(consumer string, duration time.Duration) {
	consumerRefreshDuration.WithLabelValues(consumer).Observe(duration.Seconds())
}

// SetPanelHealthy records whether a panel's last refresh succeeded.
func SetPanelHealthy(panel string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	panelHealthy.WithLabelValues(panel).Set(v)
}

// RecordSSEEvent records a received upstream event.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// SetSSEConnected records the event stream connection state.
func SetSSEConnected(connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	sseConnected.Set(v)
}

// SetViewSubscribers sets the number of connected view subscribers.
func SetViewSubscribers(n int) {
	viewSubscribers.Set(float64(n))
}

// RecordViewEvent records a published view notification.
func RecordViewEvent(eventType string) {
	viewEventsTotal.WithLabelValues(eventType).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns HTTP middleware that records request metrics. Paths are
// labelled with the matched route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
