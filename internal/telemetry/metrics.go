// Package telemetry exposes the scheduler's Prometheus collectors.
// The command server serves them on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the fleet-level collectors. A nil *Metrics is a safe no-op
// so tests can skip registration entirely.
type Metrics struct {
	WorkersLive prometheus.Gauge
	QueueDepth  prometheus.Gauge

	BumpsTotal      prometheus.Counter
	FailuresTotal   *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	BlockedTotal    prometheus.Counter
	RecoveriesTotal prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WorkersLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "bumpd", Name: "workers_live",
			Help: "Live worker controllers.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "bumpd", Name: "queue_depth",
			Help: "Pending start requests waiting for admission.",
		}),
		BumpsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bumpd", Name: "bumps_total",
			Help: "Completed bump actions.",
		}),
		FailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bumpd", Name: "failures_total",
			Help: "Worker terminal failures by kind.",
		}, []string{"kind"}),
		RetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bumpd", Name: "retries_total",
			Help: "Retry timers scheduled after transient failures.",
		}),
		BlockedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bumpd", Name: "blocked_total",
			Help: "Accounts permanently blocked by the failure limit.",
		}),
		RecoveriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bumpd", Name: "stall_recoveries_total",
			Help: "Accounts re-admitted by the stall recovery sweep.",
		}),
	}
}

func (m *Metrics) SetWorkersLive(n int) {
	if m == nil {
		return
	}
	m.WorkersLive.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) IncBumps() {
	if m == nil {
		return
	}
	m.BumpsTotal.Inc()
}

func (m *Metrics) IncFailure(kind string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) IncBlocked() {
	if m == nil {
		return
	}
	m.BlockedTotal.Inc()
}

func (m *Metrics) IncRecoveries() {
	if m == nil {
		return
	}
	m.RecoveriesTotal.Inc()
}
