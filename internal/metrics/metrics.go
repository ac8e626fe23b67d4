// Package metrics holds the process-wide Prometheus collectors. Labels are
// bounded: no per-layer or per-client label values.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Frame production
	extractDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atlas_frame_extract_duration_seconds",
		Help:    "Time spent filling one frame buffer",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atlas_frames_total",
		Help: "Frames by outcome",
	}, []string{"outcome"}) // Bounded: "produced", "cancelled", "failed"

	// Viewport
	viewportUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atlas_viewport_updates_total",
		Help: "Viewport updates by result",
	}, []string{"result"}) // Bounded: "rebuilt", "reused", "limited"

	detailFactor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atlas_detail_factor",
		Help: "Sampling stride of the active region",
	})

	// Model
	layerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atlas_layers",
		Help: "Layers in the loaded grid",
	})

	elementCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atlas_elements",
		Help: "Scalar values in the loaded grid",
	})

	// HTTP metrics with bounded labels
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"}) // endpoint is the route pattern, not the URL

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected by rate limiter or origin check",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "ws_limit"

	// WebSocket metrics
	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections_active",
		Help: "Currently active WebSocket connections",
	})

	wsMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websocket_messages_total",
		Help: "Total WebSocket messages sent",
	})
)

// RecordExtract records how long a frame took to fill.
func RecordExtract(d time.Duration) {
	extractDuration.Observe(d.Seconds())
}

// RecordFrame counts a frame outcome: "produced", "cancelled" or "failed".
func RecordFrame(outcome string) {
	framesTotal.WithLabelValues(outcome).Inc()
}

// RecordViewport counts a viewport update: "rebuilt", "reused" or "limited".
func RecordViewport(result string) {
	viewportUpdates.WithLabelValues(result).Inc()
}

// SetDetailFactor updates the active stride gauge.
func SetDetailFactor(f float64) {
	detailFactor.Set(f)
}

// SetModelSize updates the layer and element gauges.
func SetModelSize(layers, elements int) {
	layerCount.Set(float64(layers))
	elementCount.Set(float64(elements))
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, http.StatusText(status)).Inc()
}

// RecordConnectionRejected increments the rejection counter.
// reason must be one of: "rate_limit", "origin", "ws_limit"
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// UpdateWSConnections updates the WebSocket connection gauge.
func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

// IncrementWSMessages increments the WebSocket message counter.
func IncrementWSMessages() {
	wsMessagesTotal.Inc()
}
