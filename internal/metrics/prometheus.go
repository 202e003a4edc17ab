// Package metrics publishes the coordination counters and gauges to
// Prometheus.
package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"duck-async/internal/domain"
)

var _ domain.MetricsSink = (*PrometheusSink)(nil)

// help text for the names in domain; anything else gets a generic line.
var help = map[string]string{
	domain.MetricActiveSessions:       "Active async query sessions across all data sources.",
	domain.MetricActiveStatements:     "Waiting or running async query statements across all data sources.",
	domain.MetricCreateAPIRequests:    "Async query create requests received.",
	domain.MetricLeaseDenied:          "Admissions denied by a concurrency ceiling.",
	domain.MetricCancelJobFailures:    "Compute job cancellations that failed.",
	domain.MetricIndexOpFailures:      "Index lifecycle operations that failed.",
	domain.MetricSessionTimeouts:      "Sessions closed for inactivity.",
	domain.MetricStatementJobFailures: "Statements that failed on the compute cluster.",
}

// PrometheusSink implements domain.MetricsSink on a caller-owned registry.
// Collectors are registered on first use.
type PrometheusSink struct {
	reg      *prometheus.Registry
	mu       sync.Mutex
	gauges   map[string]prometheus.Gauge
	counters map[string]prometheus.Counter
}

// NewPrometheusSink creates a sink that registers into reg.
func NewPrometheusSink(reg *prometheus.Registry) *PrometheusSink {
	return &PrometheusSink{
		reg:      reg,
		gauges:   make(map[string]prometheus.Gauge),
		counters: make(map[string]prometheus.Counter),
	}
}

// SetGauge implements domain.MetricsSink.
func (s *PrometheusSink) SetGauge(name string, value float64) {
	s.mu.Lock()
	g, ok := s.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Name: sanitize(name), Help: helpFor(name)})
		g = register(s.reg, g)
		s.gauges[name] = g
	}
	s.mu.Unlock()
	g.Set(value)
}

// IncCounter implements domain.MetricsSink.
func (s *PrometheusSink) IncCounter(name string) {
	s.mu.Lock()
	c, ok := s.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{Name: sanitize(name), Help: helpFor(name)})
		c = register(s.reg, c)
		s.counters[name] = c
	}
	s.mu.Unlock()
	c.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg})
}

// register adds c to reg, returning the collector already registered under
// the same name if there is one.
func register[C prometheus.Collector](reg *prometheus.Registry, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func helpFor(name string) string {
	if h, ok := help[name]; ok {
		return h
	}
	return "Async query metric " + name + "."
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		}
		return '_'
	}, name)
}
