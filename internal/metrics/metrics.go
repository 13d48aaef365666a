// Package metrics holds the Prometheus metrics of streamguard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Resinat/streamguard/internal/bus"
	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/outbound"
)

// Connection results.
const (
	ResultProxied = "proxied"
	ResultDirect  = "direct"
	ResultFailed  = "failed"
)

// Metrics holds all the Prometheus metrics for streamguard.
type Metrics struct {
	// Counters
	FlaggedRequests  *prometheus.CounterVec
	AdsDetected      *prometheus.CounterVec
	BusAwaitTimeouts *prometheus.CounterVec
	Connections      *prometheus.CounterVec

	// Gauges
	FullModeWindows prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the metrics and registers them, together with the Go runtime
// and process collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		FlaggedRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamguard_flagged_requests_total",
				Help: "Requests flagged for proxying by category",
			},
			[]string{"category"},
		),

		AdsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamguard_ads_detected_total",
				Help: "Ad-bearing segment playlists by outcome",
			},
			[]string{"outcome"},
		),

		BusAwaitTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamguard_bus_await_timeouts_total",
				Help: "Send-and-await calls that timed out by awaited message type",
			},
			[]string{"type"},
		),

		Connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamguard_connections_total",
				Help: "Platform connections by how they were carried",
			},
			[]string{"result"},
		),

		FullModeWindows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "streamguard_full_mode_windows",
				Help: "Currently open full-mode windows",
			},
		),

		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.FlaggedRequests,
		m.AdsDetected,
		m.BusAwaitTimeouts,
		m.Connections,
		m.FullModeWindows,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) FlagRequest(c classify.Category) {
	m.FlaggedRequests.WithLabelValues(string(c)).Inc()
}

func (m *Metrics) AdDetected(outcome string) {
	m.AdsDetected.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BusTimeout(expect bus.Type) {
	m.BusAwaitTimeouts.WithLabelValues(string(expect)).Inc()
}

func (m *Metrics) SetFullModeWindows(n int) {
	m.FullModeWindows.Set(float64(n))
}

// ObserveConnection counts one connection outcome.
func (m *Metrics) ObserveConnection(res outbound.Result) {
	m.Connections.WithLabelValues(ConnectionResult(res)).Inc()
}

// ConnectionResult maps a connection outcome to its result label.
func ConnectionResult(res outbound.Result) string {
	switch {
	case res.Err != nil:
		return ResultFailed
	case res.Proxied():
		return ResultProxied
	default:
		return ResultDirect
	}
}
