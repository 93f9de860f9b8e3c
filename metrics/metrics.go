// Package metrics provides Prometheus metrics for the storage gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Transfer metrics
	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bytes_transferred_total",
			Help: "Bytes moved through the gateway per provider and direction",
		},
		[]string{"provider", "direction"},
	)

	copyMoveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_copy_move_total",
			Help: "Copy and move operations by strategy",
		},
		[]string{"action", "strategy", "status"},
	)

	// Content-addressable storage metrics
	casUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cas_uploads_total",
			Help: "Content-addressed uploads by outcome (promoted, deduped, failed)",
		},
		[]string{"outcome"},
	)

	// Side task metrics
	sideTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_side_tasks_total",
			Help: "Side tasks run to completion by kind and status",
		},
		[]string{"kind", "status"},
	)

	sideTaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_side_task_queue_depth",
			Help: "Side tasks waiting for a worker",
		},
	)

	signatureChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_signature_checks_total",
			Help: "Signed request verifications",
		},
		[]string{"result"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordTransfer counts bytes read from ("download") or written to
// ("upload") a provider.
func RecordTransfer(provider, direction string, bytes int64) {
	bytesTransferred.WithLabelValues(provider, direction).Add(float64(bytes))
}

// RecordCopyMove records one copy or move and whether it used a fast path.
func RecordCopyMove(action string, fastPath bool, success bool) {
	strategy := "stream"
	if fastPath {
		strategy = "fast_path"
	}
	status := "success"
	if !success {
		status = "error"
	}
	copyMoveTotal.WithLabelValues(action, strategy, status).Inc()
}

func RecordCASUpload(outcome string) {
	casUploadsTotal.WithLabelValues(outcome).Inc()
}

func RecordSideTask(kind string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	sideTasksTotal.WithLabelValues(kind, status).Inc()
}

func SetSideTaskQueueDepth(n int) {
	sideTaskQueueDepth.Set(float64(n))
}

// RecordSignatureCheck records a verification result: ok, unsigned or
// forbidden.
func RecordSignatureCheck(result string) {
	signatureChecksTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// Middleware records request count and latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
