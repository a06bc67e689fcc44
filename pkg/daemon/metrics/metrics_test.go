package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
)

func TestObserveBatch(t *testing.T) {
	m := New(nil)

	m.ObserveBatch("content", &changelog.Batch{
		Created: []changelog.Entry{{}, {}},
		Deleted: []changelog.Entry{{}},
		Faulty:  []changelog.Fault{{}},
		Count:   4,
	})
	m.ObserveBatch("content", &changelog.Batch{})

	assert.InDelta(t, 1, testutil.ToFloat64(m.batches.WithLabelValues("content")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.changes.WithLabelValues("content", "create")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.changes.WithLabelValues("content", "update")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.changes.WithLabelValues("content", "delete")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.faults.WithLabelValues("content")), 0)
}

func TestGaugesAndCounters(t *testing.T) {
	m := New(nil)

	m.SetGeneration("content", 42)
	m.Deferred("content", 3)
	m.Deferred("content", 0)
	m.Snapshot(OutcomeTaken)
	m.Snapshot(OutcomeTaken)
	m.TaskFailed("update")
	m.Reset()

	assert.InDelta(t, 42, testutil.ToFloat64(m.generation.WithLabelValues("content")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.deferred.WithLabelValues("content")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.snapshots.WithLabelValues(OutcomeTaken)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.taskFailures.WithLabelValues("update")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.resets), 0)
}

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveUpdate(150 * time.Millisecond)
	m.SetGeneration("content", 1)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "indexsync_update_duration_seconds")
	assert.Contains(t, names, "indexsync_generation")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveBatch("content", &changelog.Batch{Count: 1})
	m.Deferred("content", 1)
	m.SetGeneration("content", 1)
	m.ObserveUpdate(time.Second)
	m.Snapshot(OutcomeFailed)
	m.TaskFailed("update")
	m.Reset()
}
