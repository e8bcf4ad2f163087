// Package metrics exposes Orca's internals as Prometheus collectors: a
// purely additive operational surface alongside the JSON /api/metrics
// contract, using prometheus/client_golang the way the corpus wires its
// own counters and histograms for request/outcome observability.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns Orca's Prometheus collectors.
type Registry struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	DispatchTotal     *prometheus.CounterVec
	InvocationSeconds prometheus.Histogram
	TickSeconds       prometheus.Histogram
	BudgetSpendUSD    prometheus.Gauge
}

// New creates and registers Orca's collectors against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registerer: reg,
		gatherer:   reg,
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orca",
			Name:      "dispatch_total",
			Help:      "Number of task dispatches by terminal outcome.",
		}, []string{"outcome"}),
		InvocationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orca",
			Name:      "invocation_duration_seconds",
			Help:      "Wall-clock duration of completed agent invocations.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 12),
		}),
		TickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orca",
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Duration of one scheduler tick pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		BudgetSpendUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orca",
			Name:      "budget_spend_usd",
			Help:      "Realized spend within the current rolling budget window.",
		}),
	}

	reg.MustRegister(r.DispatchTotal, r.InvocationSeconds, r.TickSeconds, r.BudgetSpendUSD)
	return r
}

// Handler serves the registry in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// ObserveDispatchOutcome increments the dispatch counter for outcome
// ("dispatched", "worktree_failed", "spawn_failed").
func (r *Registry) ObserveDispatchOutcome(outcome string) {
	r.DispatchTotal.WithLabelValues(outcome).Inc()
}

// ObserveTickDuration records one scheduler tick's wall-clock duration.
func (r *Registry) ObserveTickDuration(d time.Duration) {
	r.TickSeconds.Observe(d.Seconds())
}

// ObserveInvocationDuration records one invocation's wall-clock duration.
func (r *Registry) ObserveInvocationDuration(d time.Duration) {
	r.InvocationSeconds.Observe(d.Seconds())
}

// SetBudgetSpendUSD sets the current rolling-window spend gauge.
func (r *Registry) SetBudgetSpendUSD(v float64) {
	r.BudgetSpendUSD.Set(v)
}
