// Package metrics exposes prometheus collectors for storefront fetches.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the engine and pipeline collectors.
type Collector struct {
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	resultsTotal    *prometheus.CounterVec
	inFlight        *prometheus.GaugeVec
	flushesTotal    *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		attemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_attempts_total",
				Help: "Storefront request attempts by outcome",
			},
			[]string{"store", "outcome"}, // ok, error
		),

		attemptDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storefront_attempt_duration_seconds",
				Help:    "Duration of a single storefront attempt",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"store"},
		),

		resultsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_results_total",
				Help: "Identifiers finished per store by terminal status",
			},
			[]string{"store", "status"}, // success, failure, not_found, cancelled
		),

		inFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "storefront_in_flight",
				Help: "Attempts currently holding a concurrency slot",
			},
			[]string{"store"},
		),

		flushesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_flushes_total",
				Help: "Batch flushes of result and failure tables",
			},
			[]string{"store", "table"}, // results, failures
		),

		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "storefront_circuit_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"store"},
		),

		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_runs_total",
				Help: "Pipeline runs by final status",
			},
			[]string{"status"},
		),

		runDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "storefront_run_duration_seconds",
				Help:    "Wall time of a full pipeline run",
				Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200},
			},
		),
	}
}

var (
	defaultOnce sync.Once
	defaultColl *Collector
)

// Default returns the collector registered with the global registry.
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultColl = New(prometheus.DefaultRegisterer)
	})
	return defaultColl
}

// Attempt records one finished attempt.
func (c *Collector) Attempt(store string, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.attemptsTotal.WithLabelValues(store, outcome).Inc()
	c.attemptDuration.WithLabelValues(store).Observe(d.Seconds())
}

// Result records an identifier reaching a terminal status.
func (c *Collector) Result(store, status string) {
	if c == nil {
		return
	}
	c.resultsTotal.WithLabelValues(store, status).Inc()
}

// InFlight adjusts the in-flight gauge by delta.
func (c *Collector) InFlight(store string, delta float64) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(store).Add(delta)
}

// Flush records a batch flush of table (results or failures).
func (c *Collector) Flush(store, table string) {
	if c == nil {
		return
	}
	c.flushesTotal.WithLabelValues(store, table).Inc()
}

// BreakerState records a circuit breaker transition.
func (c *Collector) BreakerState(store string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(store).Set(float64(state))
}

// Run records a finished pipeline run.
func (c *Collector) Run(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status).Inc()
	c.runDuration.Observe(d.Seconds())
}
