// Package metrics exposes Prometheus instruments for materialization passes,
// mutations and refresh triggers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scheduler"

type Metrics struct {
	passesTotal        *prometheus.CounterVec
	passDuration       prometheus.Histogram
	occurrencesWritten prometheus.Counter
	occurrencesPruned  prometheus.Counter
	staleDiscarded     prometheus.Counter
	mutationsTotal     *prometheus.CounterVec
	integrityWarnings  prometheus.Counter
	refreshTriggers    *prometheus.CounterVec
}

// New creates the instruments and registers them with reg. A nil reg leaves
// them unregistered, which keeps tests free of global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "materialize_passes_total",
			Help:      "Total materialization passes by result.",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "materialize_duration_seconds",
			Help:      "Histogram of materialization pass durations.",
			Buckets:   prometheus.DefBuckets,
		}),
		occurrencesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "occurrences_written_total",
			Help:      "Total occurrence records upserted.",
		}),
		occurrencesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "occurrences_pruned_total",
			Help:      "Total stale occurrence records deleted.",
		}),
		staleDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_series_discarded_total",
			Help:      "Series dropped from a pass because they changed while it ran.",
		}),
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Total series mutations by operation, scope and result.",
		}, []string{"op", "scope", "result"}),
		integrityWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_warnings_total",
			Help:      "Exception ids found that the series rule no longer generates.",
		}),
		refreshTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_triggers_total",
			Help:      "Re-materializations started by trigger.",
		}, []string{"trigger"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.passesTotal,
			m.passDuration,
			m.occurrencesWritten,
			m.occurrencesPruned,
			m.staleDiscarded,
			m.mutationsTotal,
			m.integrityWarnings,
			m.refreshTriggers,
		)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Pass records one materialization pass.
func (m *Metrics) Pass(duration time.Duration, written, pruned, discarded int, err error) {
	if m == nil {
		return
	}
	m.passesTotal.WithLabelValues(result(err)).Inc()
	m.passDuration.Observe(duration.Seconds())
	m.occurrencesWritten.Add(float64(written))
	m.occurrencesPruned.Add(float64(pruned))
	m.staleDiscarded.Add(float64(discarded))
}

// Mutation records one coordinator operation.
func (m *Metrics) Mutation(op, scope string, warnings int, err error) {
	if m == nil {
		return
	}
	m.mutationsTotal.WithLabelValues(op, scope, result(err)).Inc()
	m.integrityWarnings.Add(float64(warnings))
}

// Refresh records a re-materialization trigger ("cron" or "change").
func (m *Metrics) Refresh(trigger string) {
	if m == nil {
		return
	}
	m.refreshTriggers.WithLabelValues(trigger).Inc()
}
