package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changetrack/internal/batch"
)

// =============================================================================
// Collector Tests
// =============================================================================

func TestIngestCountsConflicts(t *testing.T) {
	m := New(Config{})

	m.ObserveIngest(OutcomeAccepted, time.Millisecond)
	m.ObserveIngest(OutcomeConflicted, time.Millisecond)
	m.ObserveIngest(OutcomeConflicted, 2*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestTotal.WithLabelValues(OutcomeAccepted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ingestTotal.WithLabelValues(OutcomeConflicted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.conflictsTotal))
}

func TestBatchObserver(t *testing.T) {
	m := New(Config{})

	m.ObserveShed(batch.Low, 3)
	m.ObserveShed(batch.Normal, 0)
	m.ObserveRelease("max_changes", 25)
	m.ObserveRelease("max_changes", 5)
	m.SetQueueBytes(4096)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.shedTotal.WithLabelValues("low")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.shedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.releasesTotal.WithLabelValues("max_changes")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.releasedChanges.WithLabelValues("max_changes")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.queueBytes))
}

func TestRecomputeSeries(t *testing.T) {
	m := New(Config{})

	m.ObserveRecompute("proximity", 3*time.Millisecond, "applied")
	m.ObserveRecompute("proximity", time.Millisecond, "discarded")
	m.ObserveRecompute("ml", 10*time.Millisecond, "applied")

	assert.Equal(t, 3, testutil.CollectAndCount(m.recomputeDuration))
}

func TestSnapshotAndDegraded(t *testing.T) {
	m := New(Config{})

	m.ObserveSnapshot(nil, 5*time.Millisecond, 2048)
	m.ObserveSnapshot(errors.New("disk full"), 0, 0)
	m.IncPersistRetry()
	m.IncPersistRetry()
	m.SetDegraded(1)
	m.ObserveRecovery("recovered")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshotsTotal.WithLabelValues("saved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshotsTotal.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.persistRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.degradedDocuments))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recoveriesTotal.WithLabelValues("recovered")))
}

func TestDocumentLifecycle(t *testing.T) {
	m := New(Config{})

	m.DocumentOpened()
	m.DocumentOpened()
	m.SetLogBytes("doc-a", 1024)
	m.SetLogBytes("doc-b", 10)
	m.DocumentClosed("doc-a")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.openDocuments))
	assert.Equal(t, 1, testutil.CollectAndCount(m.logBytes))
}

func TestBulkOutcome(t *testing.T) {
	m := New(Config{})

	m.ObserveBulk("accept_all", "committed", 12)
	m.ObserveBulk("accept_cluster", "conflict", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.bulkOpsTotal.WithLabelValues("accept_all", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bulkOpsTotal.WithLabelValues("accept_cluster", "conflict")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.bulkOpChanges))
}

// =============================================================================
// Registry Tests
// =============================================================================

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveIngest(OutcomeAccepted, time.Millisecond)
		m.ObserveRecompute("proximity", time.Millisecond, "applied")
		m.ObserveShed(batch.Low, 1)
		m.SetQueueBytes(1)
		m.ObserveSnapshot(nil, 0, 0)
		m.DocumentClosed("x")
	})
	assert.Nil(t, m.Registry())
}

func TestSeparateRegistries(t *testing.T) {
	a := New(Config{Namespace: "a"})
	b := New(Config{Namespace: "a"})

	a.ObserveTransition("accepted")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.transitionsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.transitionsTotal.WithLabelValues("accepted")))
}

func TestHandlerExposition(t *testing.T) {
	m := New(Config{Namespace: "ct"})
	m.ObserveTransition("rejected")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `ct_transitions_total{to="rejected"} 1`))
}
