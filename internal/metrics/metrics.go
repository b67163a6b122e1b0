// Package metrics exports Prometheus metrics for the context window. A nil *Metrics is a no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mnemo"

type Metrics struct {
	registry *prometheus.Registry

	// Turn metrics
	TurnsTotal   *prometheus.CounterVec
	TurnDuration prometheus.Histogram

	// Tool metrics
	ToolCallsTotal *prometheus.CounterVec

	// Context window metrics
	InjectionsTotal         *prometheus.CounterVec
	CompressionsTotal       prometheus.Counter
	CompressionDroppedTotal prometheus.Counter
	RefreshTotal            *prometheus.CounterVec
	WindowTokens            prometheus.Gauge

	// Provider metrics
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
}

// New registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Processed conversation turns by result",
			},
			[]string{"result"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Turn processing duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool invocations by status",
			},
			[]string{"status"},
		),
		InjectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "injections_total",
				Help:      "Recalled entities injected into context",
			},
			[]string{"entity_type"},
		),
		CompressionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compressions_total",
				Help:      "Context compressions performed",
			},
		),
		CompressionDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compression_dropped_messages_total",
				Help:      "Messages dropped by compression",
			},
		),
		RefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "context_refresh_total",
				Help:      "Context refresh attempts by result",
			},
			[]string{"result"},
		),
		WindowTokens: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "window_tokens",
				Help:      "Token count of the last persisted context window",
			},
		),
		ProviderRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Model provider requests",
			},
			[]string{"provider", "operation", "status"},
		),
		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Model provider request duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider", "operation"},
		),
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTurn(result string, start time.Time) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(result).Inc()
	m.TurnDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ToolCall(status string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Injection(entityType string) {
	if m == nil {
		return
	}
	m.InjectionsTotal.WithLabelValues(entityType).Inc()
}

func (m *Metrics) Compression(dropped int) {
	if m == nil {
		return
	}
	m.CompressionsTotal.Inc()
	m.CompressionDroppedTotal.Add(float64(dropped))
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetWindowTokens(n int) {
	if m == nil {
		return
	}
	m.WindowTokens.Set(float64(n))
}

// ObserveProvider records one provider call started at start.
func (m *Metrics) ObserveProvider(provider, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ProviderRequestsTotal.WithLabelValues(provider, operation, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}
