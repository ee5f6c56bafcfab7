// Package metrics exposes Prometheus collectors for the change tracking
// engine.
//
// Collectors live on a private registry owned by Metrics so that several
// coordinators (and tests) can coexist in one process. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"changetrack/internal/batch"
	"changetrack/internal/cluster"
)

// Ingest outcomes.
const (
	OutcomeAccepted   = "accepted"
	OutcomeConflicted = "conflicted"
	OutcomeRejected   = "rejected"
	OutcomeTimeout    = "timeout"
)

// Metrics holds every collector of the engine.
type Metrics struct {
	registry *prometheus.Registry

	ingestTotal       *prometheus.CounterVec
	ingestDuration    prometheus.Histogram
	transitionsTotal  *prometheus.CounterVec
	conflictsTotal    prometheus.Counter
	bulkOpsTotal      *prometheus.CounterVec
	bulkOpChanges     prometheus.Histogram
	recomputeDuration *prometheus.HistogramVec
	shedTotal         *prometheus.CounterVec
	releasesTotal     *prometheus.CounterVec
	releasedChanges   *prometheus.CounterVec
	queueBytes        prometheus.Gauge
	snapshotsTotal    *prometheus.CounterVec
	snapshotDuration  prometheus.Histogram
	snapshotBytes     prometheus.Histogram
	persistRetries    prometheus.Counter
	recoveriesTotal   *prometheus.CounterVec
	openDocuments     prometheus.Gauge
	degradedDocuments prometheus.Gauge
	logBytes          *prometheus.GaugeVec
}

// Config configures New.
type Config struct {
	Namespace string
	// GoCollectors adds the Go runtime and process collectors.
	GoCollectors bool
}

// New creates the collectors and registers them on a fresh registry.
func New(cfg Config) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = "changetrack"
	}
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "ingest_total",
			Help:      "Ingested edits by outcome.",
		}, []string{"outcome"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "ingest_duration_seconds",
			Help:      "Time from submission to the change being recorded.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "transitions_total",
			Help:      "Change status transitions by target status.",
		}, []string{"to"}),
		conflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "conflicts_total",
			Help:      "Changes marked conflicted on ingest.",
		}),
		bulkOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "bulk_operations_total",
			Help:      "Bulk operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		bulkOpChanges: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "bulk_operation_changes",
			Help:      "Changes transitioned per committed bulk operation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		recomputeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "cluster",
			Name:      "recompute_duration_seconds",
			Help:      "Cluster recompute time by strategy and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"strategy", "outcome"}),
		shedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "batch",
			Name:      "shed_total",
			Help:      "Queue entries shed under memory pressure by priority.",
		}, []string{"priority"}),
		releasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "batch",
			Name:      "releases_total",
			Help:      "Batch releases by trigger.",
		}, []string{"trigger"}),
		releasedChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "batch",
			Name:      "released_changes_total",
			Help:      "Changes released for review by trigger.",
		}, []string{"trigger"}),
		queueBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "batch",
			Name:      "queue_bytes",
			Help:      "Estimated bytes held by the review queue.",
		}),
		snapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "persistence",
			Name:      "snapshots_total",
			Help:      "Snapshot attempts by result.",
		}, []string{"result"}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "persistence",
			Name:      "snapshot_duration_seconds",
			Help:      "Time to encode and store a snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		snapshotBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "persistence",
			Name:      "snapshot_bytes",
			Help:      "Encoded snapshot size.",
			Buckets:   prometheus.ExponentialBuckets(512, 4, 10),
		}),
		persistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "persistence",
			Name:      "retries_total",
			Help:      "Retried persistence attempts.",
		}),
		recoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "persistence",
			Name:      "recoveries_total",
			Help:      "Crash recoveries by result.",
		}, []string{"result"}),
		openDocuments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "open_documents",
			Help:      "Documents with tracking enabled and open.",
		}),
		degradedDocuments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "persistence",
			Name:      "degraded_documents",
			Help:      "Open documents running without durable persistence.",
		}),
		logBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "persistence",
			Name:      "log_bytes",
			Help:      "Change log size per document.",
		}, []string{"document_id"}),
	}

	reg.MustRegister(
		m.ingestTotal, m.ingestDuration, m.transitionsTotal, m.conflictsTotal,
		m.bulkOpsTotal, m.bulkOpChanges, m.recomputeDuration, m.shedTotal,
		m.releasesTotal, m.releasedChanges, m.queueBytes, m.snapshotsTotal,
		m.snapshotDuration, m.snapshotBytes, m.persistRetries, m.recoveriesTotal,
		m.openDocuments, m.degradedDocuments, m.logBytes,
	)
	if cfg.GoCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveIngest records one ingested edit.
func (m *Metrics) ObserveIngest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(outcome).Inc()
	m.ingestDuration.Observe(d.Seconds())
	if outcome == OutcomeConflicted {
		m.conflictsTotal.Inc()
	}
}

// ObserveTransition records a single status transition.
func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to).Inc()
}

// ObserveBulk records a bulk operation. changes is the number of
// transitions committed; it is ignored for failed operations.
func (m *Metrics) ObserveBulk(kind, outcome string, changes int) {
	if m == nil {
		return
	}
	m.bulkOpsTotal.WithLabelValues(kind, outcome).Inc()
	if outcome == "committed" {
		m.bulkOpChanges.Observe(float64(changes))
	}
}

// ObserveRecompute implements cluster.Observer.
func (m *Metrics) ObserveRecompute(strategy string, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.recomputeDuration.WithLabelValues(strategy, outcome).Observe(d.Seconds())
}

// ObserveShed implements batch.Observer.
func (m *Metrics) ObserveShed(p batch.Priority, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.shedTotal.WithLabelValues(p.String()).Add(float64(n))
}

// ObserveRelease implements batch.Observer.
func (m *Metrics) ObserveRelease(trigger string, changes int) {
	if m == nil {
		return
	}
	m.releasesTotal.WithLabelValues(trigger).Inc()
	m.releasedChanges.WithLabelValues(trigger).Add(float64(changes))
}

// SetQueueBytes implements batch.Observer.
func (m *Metrics) SetQueueBytes(n int) {
	if m == nil {
		return
	}
	m.queueBytes.Set(float64(n))
}

// ObserveSnapshot records a snapshot attempt.
func (m *Metrics) ObserveSnapshot(err error, d time.Duration, size int) {
	if m == nil {
		return
	}
	if err != nil {
		m.snapshotsTotal.WithLabelValues("failed").Inc()
		return
	}
	m.snapshotsTotal.WithLabelValues("saved").Inc()
	m.snapshotDuration.Observe(d.Seconds())
	m.snapshotBytes.Observe(float64(size))
}

// IncPersistRetry counts one retried persistence attempt.
func (m *Metrics) IncPersistRetry() {
	if m == nil {
		return
	}
	m.persistRetries.Inc()
}

// ObserveRecovery records a crash recovery. result is "clean", "recovered"
// or "failed".
func (m *Metrics) ObserveRecovery(result string) {
	if m == nil {
		return
	}
	m.recoveriesTotal.WithLabelValues(result).Inc()
}

// DocumentOpened increments the open document gauge.
func (m *Metrics) DocumentOpened() {
	if m == nil {
		return
	}
	m.openDocuments.Inc()
}

// DocumentClosed decrements the open document gauge and drops its
// per-document series.
func (m *Metrics) DocumentClosed(documentID string) {
	if m == nil {
		return
	}
	m.openDocuments.Dec()
	m.logBytes.DeleteLabelValues(documentID)
}

// SetDegraded sets the number of degraded documents.
func (m *Metrics) SetDegraded(n int) {
	if m == nil {
		return
	}
	m.degradedDocuments.Set(float64(n))
}

// SetLogBytes records the change log size of a document.
func (m *Metrics) SetLogBytes(documentID string, n int64) {
	if m == nil {
		return
	}
	m.logBytes.WithLabelValues(documentID).Set(float64(n))
}

var (
	_ cluster.Observer = (*Metrics)(nil)
	_ batch.Observer   = (*Metrics)(nil)
)
