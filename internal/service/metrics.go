package service

import (
	"time"

	"blocktalk/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	snapshots     *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	saveErrors    prometheus.Counter
	submitLatency prometheus.Histogram
	audits        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocktalk",
			Name:      "message_snapshots_total",
			Help:      "Message snapshots recorded, by status.",
		}, []string{"status"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocktalk",
			Name:      "message_outcomes_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"status"}),
		saveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blocktalk",
			Name:      "store_save_errors_total",
			Help:      "Failed conversation writes.",
		}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blocktalk",
			Name:      "ledger_submit_seconds",
			Help:      "Ledger submission latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 8, 13, 30},
		}),
		audits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocktalk",
			Name:      "integrity_audits_total",
			Help:      "Integrity audit results.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.snapshots, m.outcomes, m.saveErrors, m.submitLatency, m.audits)
	}
	return m
}

func (m *Metrics) snapshot(s models.Status) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) outcome(s models.Status) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) saveError() {
	if m == nil {
		return
	}
	m.saveErrors.Inc()
}

func (m *Metrics) submitted(d time.Duration) {
	if m == nil {
		return
	}
	m.submitLatency.Observe(d.Seconds())
}

func (m *Metrics) audited(result string) {
	if m == nil {
		return
	}
	m.audits.WithLabelValues(result).Inc()
}
