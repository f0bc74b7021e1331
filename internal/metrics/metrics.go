// Package metrics exposes the coprocessor's Prometheus series.
//
// All methods are nil-safe so components can be built without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	CycleOK      = "ok"
	CycleError   = "error"
	CycleSkipped = "skipped"
	CycleNoop    = "noop"
)

type Metrics struct {
	registry *prometheus.Registry

	cycles             *prometheus.CounterVec
	cycleDuration      prometheus.Histogram
	logsProcessed      prometheus.Counter
	jobs               *prometheus.CounterVec
	integrityFailures  prometheus.Counter
	blockCursor        prometheus.Gauge
	nonce              prometheus.Gauge
	keyDerivationFails prometheus.Counter
}

// New builds a Metrics on its own registry, with Go runtime and process collectors attached.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coprocessor_cycles_total",
			Help: "Sync cycles by result (ok, error, skipped, noop).",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coprocessor_cycle_duration_seconds",
			Help:    "Wall time of completed sync cycles.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		logsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coprocessor_logs_processed_total",
			Help: "Contract logs dispatched to job processing.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coprocessor_jobs_total",
			Help: "Jobs by outcome (submitted, rejected, failed).",
		}, []string{"outcome"}),
		integrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coprocessor_integrity_failures_total",
			Help: "Signatures that did not recover to the derived public key.",
		}),
		blockCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coprocessor_block_cursor",
			Help: "Last processed block height.",
		}),
		nonce: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coprocessor_nonce",
			Help: "Next nonce to sign with.",
		}),
		keyDerivationFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coprocessor_key_derivation_failures_total",
			Help: "Failed attempts to fetch the signing public key at startup.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles,
		m.cycleDuration,
		m.logsProcessed,
		m.jobs,
		m.integrityFailures,
		m.blockCursor,
		m.nonce,
		m.keyDerivationFails,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CycleFinished(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	if result != CycleSkipped {
		m.cycleDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) LogProcessed() {
	if m != nil {
		m.logsProcessed.Inc()
	}
}

func (m *Metrics) JobFinished(outcome string) {
	if m != nil {
		m.jobs.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IntegrityFailure() {
	if m != nil {
		m.integrityFailures.Inc()
	}
}

func (m *Metrics) KeyDerivationFailed() {
	if m != nil {
		m.keyDerivationFails.Inc()
	}
}

// ObserveState records the persisted counters.
func (m *Metrics) ObserveState(cursor, nonce uint64) {
	if m == nil {
		return
	}
	m.blockCursor.Set(float64(cursor))
	m.nonce.Set(float64(nonce))
}
