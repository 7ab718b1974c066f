// Package middleware holds the gin middleware shared by the gateway's
// HTTP surfaces: API-key auth, admin auth, and Prometheus metrics.
package middleware

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qproxy_requests_total",
			Help: "Total HTTP requests processed, by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qproxy_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qproxy_active_connections",
			Help: "HTTP requests currently in flight.",
		},
	)

	apiErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qproxy_api_errors_total",
			Help: "Errors returned to clients, by error type and dialect.",
		},
		[]string{"error_type", "dialect"},
	)

	tokenUsage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qproxy_token_usage_total",
			Help: "Tokens processed, by dialect, model, and direction.",
		},
		[]string{"dialect", "model", "type"},
	)
)

var (
	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

// RegisterMetrics registers the collectors with the default registry.
// Safe to call more than once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}
	prometheus.MustRegister(
		requestsTotal,
		requestDuration,
		activeConnections,
		apiErrors,
		tokenUsage,
	)
	metricsEnabled.Store(true)
}

// SetMetricsEnabled toggles collection without unregistering.
func SetMetricsEnabled(enabled bool) {
	if enabled {
		RegisterMetrics()
	}
	metricsEnabled.Store(enabled && metricsRegistered.Load())
}

// PrometheusMiddleware records request counts, latency, and in-flight
// connections. The /metrics endpoint itself is not measured.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !metricsEnabled.Load() || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		activeConnections.Inc()
		defer activeConnections.Dec()

		c.Next()

		path := normalizePath(c.FullPath(), c.Request.URL.Path)
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())
		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler serves the Prometheus exposition endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAPIError counts one client-visible error.
func RecordAPIError(errorType, dialect string) {
	if metricsEnabled.Load() {
		apiErrors.WithLabelValues(errorType, dialect).Inc()
	}
}

// RecordTokenUsage counts input or output tokens for one request.
func RecordTokenUsage(dialect, model, direction string, tokens int) {
	if metricsEnabled.Load() && tokens > 0 {
		tokenUsage.WithLabelValues(dialect, model, direction).Add(float64(tokens))
	}
}

// normalizePath caps label cardinality: routed requests use the route
// template, unrouted ones collapse to a coarse prefix.
func normalizePath(routePath, rawPath string) string {
	if routePath != "" {
		return routePath
	}
	for _, prefix := range []string{"/v1/", "/admin/", "/api/"} {
		if strings.HasPrefix(rawPath, prefix) {
			return prefix + "*"
		}
	}
	return "/*"
}
