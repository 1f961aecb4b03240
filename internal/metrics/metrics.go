package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Worker outcome labels.
const (
	OutcomeApproved            = "approved"
	OutcomeInsufficientBalance = "insufficient_balance"
	OutcomeDeclined            = "declined"
	OutcomeWalletUnavailable   = "wallet_unavailable"
	OutcomeTransientFailure    = "transient_failure"
	OutcomeDeadLettered        = "dead_lettered"
	OutcomeParked              = "parked"
	OutcomeReplayed            = "replayed"
	OutcomeDropped             = "dropped"
)

// Metrics holds the worker's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	outcomes   *prometheus.CounterVec
	duration   prometheus.Histogram
	reconciled *prometheus.CounterVec
	deferred   prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletqueue_worker_outcomes_total",
			Help: "Deliveries handled by the worker, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "walletqueue_processing_duration_seconds",
			Help:    "Duration of a single processing attempt, settlement window included.",
			Buckets: []float64{.05, .1, .5, 1, 2, 3, 5, 7, 10, 15},
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletqueue_reconciled_total",
			Help: "Dead-lettered messages handled by reconciliation, by result.",
		}, []string{"result"}),
		deferred: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "walletqueue_deferred_in_flight",
			Help: "Deliveries parked behind an active transaction of the same wallet.",
		}),
	}

	m.registry.MustRegister(
		m.outcomes,
		m.duration,
		m.reconciled,
		m.deferred,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAttempt(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) Reconciled(result string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(result).Inc()
}

func (m *Metrics) Parked() {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(OutcomeParked).Inc()
	m.deferred.Inc()
}

func (m *Metrics) Unparked() {
	if m == nil {
		return
	}
	m.deferred.Dec()
}

// OutcomeCount reads back a counter. Used by tests.
func (m *Metrics) OutcomeCount(outcome string) float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.outcomes.WithLabelValues(outcome))
}

// ReconciledCount reads back a reconciliation counter. Used by tests.
func (m *Metrics) ReconciledCount(result string) float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.reconciled.WithLabelValues(result))
}

func counterValue(c prometheus.Counter) float64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}
