// Package metrics exposes synchronization counters to Prometheus. All methods
// are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
)

const namespace = "indexsync"

// Snapshot outcomes.
const (
	OutcomeTaken    = "taken"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
	OutcomeRestored = "restored"
	OutcomeCorrupt  = "corrupt"
	OutcomeNone     = "none"
)

// Metrics holds the collectors.
type Metrics struct {
	batches        *prometheus.CounterVec
	changes        *prometheus.CounterVec
	faults         *prometheus.CounterVec
	deferred       *prometheus.CounterVec
	generation     *prometheus.GaugeVec
	updateDuration prometheus.Histogram
	snapshots      *prometheus.CounterVec
	taskFailures   *prometheus.CounterVec
	resets         prometheus.Counter
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Non-empty change batches applied to the index.",
		}, []string{"area"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_total",
			Help:      "Changes applied to the index by type.",
		}, []string{"area", "type"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Changes skipped because their document could not be resolved.",
		}, []string{"area"}),
		deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_total",
			Help:      "Changes deferred by the cutoff to a later poll.",
		}, []string{"area"}),
		generation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Change-log cursor per area.",
		}, []string{"area"}),
		updateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "update_duration_seconds",
			Help:      "Duration of index update cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshot operations by outcome.",
		}, []string{"outcome"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Failed executions of scheduled tasks.",
		}, []string{"task"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Full index resets.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.batches, m.changes, m.faults, m.deferred, m.generation,
			m.updateDuration, m.snapshots, m.taskFailures, m.resets,
		)
	}
	return m
}

// ObserveBatch counts the entries of an applied batch.
func (m *Metrics) ObserveBatch(area string, b *changelog.Batch) {
	if m == nil || b.Empty() {
		return
	}
	m.batches.WithLabelValues(area).Inc()
	m.changes.WithLabelValues(area, changelog.ChangeCreate.String()).Add(float64(len(b.Created)))
	m.changes.WithLabelValues(area, changelog.ChangeUpdate.String()).Add(float64(len(b.Updated)))
	m.changes.WithLabelValues(area, changelog.ChangeDelete.String()).Add(float64(len(b.Deleted)))
	if n := len(b.Faulty); n > 0 {
		m.faults.WithLabelValues(area).Add(float64(n))
	}
}

// Deferred counts changes held back by the cutoff.
func (m *Metrics) Deferred(area string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deferred.WithLabelValues(area).Add(float64(n))
}

// SetGeneration records the cursor of an area.
func (m *Metrics) SetGeneration(area string, gen int64) {
	if m == nil {
		return
	}
	m.generation.WithLabelValues(area).Set(float64(gen))
}

// ObserveUpdate records the duration of an update cycle.
func (m *Metrics) ObserveUpdate(d time.Duration) {
	if m == nil {
		return
	}
	m.updateDuration.Observe(d.Seconds())
}

// Snapshot counts a snapshot operation outcome.
func (m *Metrics) Snapshot(outcome string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(outcome).Inc()
}

// TaskFailed counts a failed task execution.
func (m *Metrics) TaskFailed(task string) {
	if m == nil {
		return
	}
	m.taskFailures.WithLabelValues(task).Inc()
}

// Reset counts a full index reset.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.resets.Inc()
}
