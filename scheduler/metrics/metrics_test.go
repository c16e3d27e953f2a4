package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValues sums every sample of each gathered counter family.
func counterValues(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				out[mf.GetName()] += c.GetValue()
			}
		}
	}
	return out
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Pass(20*time.Millisecond, 12, 3, 1, nil)
	m.Pass(time.Millisecond, 0, 0, 0, errors.New("store down"))
	m.Mutation("edit", "ALL", 2, nil)
	m.Refresh("cron")
	m.Refresh("change")

	got := counterValues(t, reg)
	assert.Equal(t, 2.0, got["scheduler_materialize_passes_total"])
	assert.Equal(t, 12.0, got["scheduler_occurrences_written_total"])
	assert.Equal(t, 3.0, got["scheduler_occurrences_pruned_total"])
	assert.Equal(t, 1.0, got["scheduler_stale_series_discarded_total"])
	assert.Equal(t, 1.0, got["scheduler_mutations_total"])
	assert.Equal(t, 2.0, got["scheduler_integrity_warnings_total"])
	assert.Equal(t, 2.0, got["scheduler_refresh_triggers_total"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Pass(time.Second, 1, 1, 1, nil)
		m.Mutation("delete", "ONLY_THIS", 0, nil)
		m.Refresh("cron")
	})
}

func TestNew_WithoutRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil).Pass(time.Second, 1, 0, 0, nil)
	})
}
