// Package metrics exports ledger activity to Prometheus.
//
// Metrics implements ledger.Recorder; pass it to ledger.NewService with
// ledger.WithRecorder and to the audit job. Each Metrics owns its registry
// so tests and multiple servers in one process do not collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rez/wallet-ledger/ledger"
)

const namespace = "ledger"

type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	storeTime  *prometheus.HistogramVec
	auditRuns  prometheus.Counter
	mismatches prometheus.Gauge
	accounts   prometheus.Gauge
}

var _ ledger.Recorder = (*Metrics)(nil)

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Credit and debit calls by transaction type and outcome.",
		}, []string{"op", "type", "outcome"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_events_total",
			Help:      "Redelivered events absorbed by the idempotency key.",
		}, []string{"type"}),
		storeTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_duration_seconds",
			Help:      "Latency of store calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		auditRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_runs_total",
			Help:      "Completed ledger audits.",
		}),
		mismatches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_mismatches",
			Help:      "Accounts whose balance disagreed with the log in the last audit.",
		}),
		accounts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_accounts",
			Help:      "Accounts checked by the last audit.",
		}),
	}
}

func (m *Metrics) ObserveOperation(op string, txType ledger.TransactionType, outcome string) {
	m.operations.WithLabelValues(op, string(txType), outcome).Inc()
}

func (m *Metrics) ObserveDuplicate(txType ledger.TransactionType) {
	m.duplicates.WithLabelValues(string(txType)).Inc()
}

func (m *Metrics) ObserveStore(op string, d time.Duration) {
	m.storeTime.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) ObserveAudit(accounts, mismatches int) {
	m.auditRuns.Inc()
	m.accounts.Set(float64(accounts))
	m.mismatches.Set(float64(mismatches))
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
