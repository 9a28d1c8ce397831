// Package metrics provides Prometheus instrumentation for the buddy engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ScansTotal counts log scans by outcome (ok, no_credential, remote_error, error).
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buddy_scans_total",
		Help: "Total number of activity-log scans",
	}, []string{"outcome"})

	// ScanLatency tracks end-to-end scan duration.
	ScanLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "buddy_scan_latency_seconds",
		Help:    "Scan duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DetectionsTotal counts detections attached, by kind and confidence tier.
	DetectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buddy_detections_total",
		Help: "Detections attached to payments",
	}, []string{"kind", "confidence"})

	// ConfirmationsTotal counts manual payment state changes.
	ConfirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buddy_confirmations_total",
		Help: "Payment confirmations and unconfirmations",
	}, []string{"action"})

	// PersistFailures counts ledger writes the store rejected.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buddy_persist_failures_total",
		Help: "Ledger writes that could not be persisted",
	})

	// RemoteRequests counts calls to the game API by endpoint and result.
	RemoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buddy_remote_requests_total",
		Help: "Remote API requests",
	}, []string{"endpoint", "result"})

	// RemoteLatency tracks remote API round trips.
	RemoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buddy_remote_latency_seconds",
		Help:    "Remote API latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"endpoint"})

	// Investments tracks the number of tracked investments.
	Investments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buddy_investments",
		Help: "Number of tracked investments",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buddy_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buddy_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buddy_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps investment ids out of the labels.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
