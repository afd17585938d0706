// Package pmetrics collects Pylon's runtime metrics with
// github.com/prometheus/client_golang, following the naming
// convention ("pylon_<subsystem>_<name>") and promauto registration
// style skipper uses in cmd/routesrv and metrics/prometheus.go.
package pmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every gauge/counter/histogram Pylon exposes.
type Metrics struct {
	AdmissionTotal   *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	QueueWaitSeconds prometheus.Histogram
	ConcurrentGauge  *prometheus.GaugeVec
	SSEActiveGauge   *prometheus.GaugeVec
	RecorderDropped  prometheus.Counter
	ProxyDuration    *prometheus.HistogramVec
}

// New registers and returns a fresh Metrics bundle against the default
// registry.
func New() *Metrics {
	return &Metrics{
		AdmissionTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),

		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "pylon",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of requests waiting in the priority queue.",
		}),

		QueueWaitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pylon",
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Time spent waiting in the priority queue before a terminal outcome.",
			Buckets:   prometheus.DefBuckets,
		}),

		ConcurrentGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pylon",
			Subsystem: "counter",
			Name:      "concurrent_active",
			Help:      "Active concurrency slots by scope (global, identity).",
		}, []string{"scope"}),

		SSEActiveGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pylon",
			Subsystem: "counter",
			Name:      "sse_active",
			Help:      "Active SSE connections by scope (global, identity).",
		}, []string{"scope"}),

		RecorderDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pylon",
			Subsystem: "recorder",
			Name:      "dropped_total",
			Help:      "Completion records dropped because the recorder channel was full.",
		}),

		ProxyDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pylon",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Time from admission to completion, by protocol.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"}),
	}
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
