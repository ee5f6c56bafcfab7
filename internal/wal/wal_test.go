package wal

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changetrack/internal/change"
)

// Test helpers

func newTestKey() []byte {
	key := make([]byte, 32)
	rand.Read(key)
	return key
}

func openTestLog(t *testing.T) (*Log, string, []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.log")
	key := newTestKey()
	l, err := Open(path, "doc", key, WithoutSync())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path, key
}

func added(t *testing.T, id string, start, end uint32) Record {
	t.Helper()
	return MustRecord(EntryChangeAdded, ChangeAddedPayload{Change: &change.Change{
		ID:         change.ID(id),
		DocumentID: "doc",
		Type:       change.Insert,
		Source:     change.SourceManual,
		Confidence: 1,
		Category:   "manual",
		Content:    change.Content{After: "x"},
		Position:   change.Position{Start: start, End: end},
		Timestamp:  time.Now().UTC(),
	}})
}

func status(id string, from, to change.Status, op string) Record {
	return MustRecord(EntryStatusChanged, StatusChangedPayload{ChangeID: change.ID(id), From: from, To: to, OpID: op})
}

// =============================================================================
// Append and Scan Tests
// =============================================================================

func TestLog_AppendAndReopen(t *testing.T) {
	l, path, key := openTestLog(t)

	seq, err := l.Append(added(t, "a", 0, 1).Type, added(t, "a", 0, 1).Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	seqs, err := l.AppendGroup([]Record{added(t, "b", 2, 3), status("a", change.Pending, change.Accepted, "")})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, seqs)
	assert.Equal(t, 3, l.Len())
	require.NoError(t, l.Close())

	l2, err := Open(path, "doc", key)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, uint64(3), l2.LastSequence())
	assert.Nil(t, l2.Damage())

	entries, err := l2.After(1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryChangeAdded, entries[0].Type)
	assert.Equal(t, EntryStatusChanged, entries[1].Type)
}

func TestLog_RejectsOtherDocument(t *testing.T) {
	l, path, key := openTestLog(t)
	require.NoError(t, l.Close())

	_, err := Open(path, "other", key)
	assert.ErrorIs(t, err, ErrWrongDocument)
}

func TestLog_TornTailIsCut(t *testing.T) {
	l, path, key := openTestLog(t)
	_, err := l.AppendGroup([]Record{added(t, "a", 0, 1), added(t, "b", 2, 3)})
	require.NoError(t, err)
	size := l.Size()
	require.NoError(t, l.Close())

	// Simulate a crash halfway through the last frame.
	require.NoError(t, os.Truncate(path, size-10))

	l2, err := Open(path, "doc", key)
	require.NoError(t, err)
	defer l2.Close()
	require.NotNil(t, l2.Damage())
	assert.ErrorIs(t, l2.Damage().Err, ErrTruncated)
	assert.Equal(t, 1, l2.Len())
	assert.Equal(t, uint64(1), l2.LastSequence())

	seq, err := l2.Append(EntryHeartbeat, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestLog_TamperingStopsScan(t *testing.T) {
	l, path, _ := openTestLog(t)
	_, err := l.AppendGroup([]Record{added(t, "a", 0, 1), added(t, "b", 2, 3)})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// A different key fails HMAC verification on the first frame.
	_, err = Open(path, "doc", newTestKey())
	assert.ErrorIs(t, err, ErrInvalidHMAC)

	// The file is left untouched and can still be inspected.
	ro, err := Open(path, "doc", newTestKey(), ReadOnly())
	require.NoError(t, err)
	defer ro.Close()
	require.NotNil(t, ro.Damage())
	assert.ErrorIs(t, ro.Damage().Err, ErrInvalidHMAC)
	assert.Equal(t, 0, ro.Len())
	_, err = ro.Append(EntryHeartbeat, nil)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestLog_CompactKeepsSequences(t *testing.T) {
	l, path, key := openTestLog(t)
	for i := 0; i < 5; i++ {
		_, err := l.Append(EntryHeartbeat, []byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, l.Compact(3))
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, uint64(3), l.BaseSequence())

	seq, err := l.Append(EntryHeartbeat, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
	require.NoError(t, l.Close())

	l2, err := Open(path, "doc", key)
	require.NoError(t, err)
	defer l2.Close()
	entries, err := l2.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(4), entries[0].Sequence)
	assert.Equal(t, uint64(6), l2.LastSequence())
}

func TestLog_CompactEverything(t *testing.T) {
	l, _, _ := openTestLog(t)
	_, err := l.Append(EntryHeartbeat, nil)
	require.NoError(t, err)
	require.NoError(t, l.Compact(l.LastSequence()))
	assert.Equal(t, 0, l.Len())
	seq, err := l.Append(EntryHeartbeat, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestLog_Closed(t *testing.T) {
	l, _, _ := openTestLog(t)
	require.NoError(t, l.Close())
	_, err := l.Append(EntryHeartbeat, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey([]byte("master"), "doc-a")
	require.NoError(t, err)
	b, err := DeriveKey([]byte("master"), "doc-b")
	require.NoError(t, err)
	a2, err := DeriveKey([]byte("master"), "doc-a")
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, a2)
	assert.NotEqual(t, a, b)
}

// =============================================================================
// Recovery Tests
// =============================================================================

func TestRecover_CommittedBulkIsReplayed(t *testing.T) {
	l, _, _ := openTestLog(t)
	_, err := l.AppendGroup([]Record{
		MustRecord(EntrySessionStart, SessionPayload{SessionID: "s1", At: time.Now()}),
		added(t, "a", 0, 1),
		added(t, "b", 5, 6),
		MustRecord(EntryBulkBegin, BulkBeginPayload{OpID: "op1", Kind: "accept_all", Count: 2}),
		status("a", change.Pending, change.Accepted, "op1"),
		status("b", change.Pending, change.Accepted, "op1"),
		MustRecord(EntryBulkCommit, BulkCommitPayload{OpID: "op1", Count: 2}),
		MustRecord(EntrySessionEnd, SessionPayload{SessionID: "s1", At: time.Now()}),
	})
	require.NoError(t, err)

	r, err := Recover(l, 0)
	require.NoError(t, err)
	assert.True(t, r.CleanShutdown)
	assert.False(t, r.NeedsRecovery())
	require.Len(t, r.Mutations, 3)
	bulk := r.Mutations[2]
	assert.Equal(t, EntryBulkCommit, bulk.Type)
	assert.Equal(t, "op1", bulk.Bulk.OpID)
	assert.Len(t, bulk.Transitions, 2)
	assert.Empty(t, r.RolledBack)
}

func TestRecover_IncompleteBulkRollsBack(t *testing.T) {
	l, _, _ := openTestLog(t)
	_, err := l.AppendGroup([]Record{
		MustRecord(EntrySessionStart, SessionPayload{SessionID: "s1", At: time.Now()}),
		added(t, "a", 0, 1),
		added(t, "b", 5, 6),
		MustRecord(EntryBulkBegin, BulkBeginPayload{OpID: "op1", Kind: "accept_all", Count: 2}),
		status("a", change.Pending, change.Accepted, "op1"),
	})
	require.NoError(t, err)

	r, err := Recover(l, 0)
	require.NoError(t, err)
	assert.False(t, r.CleanShutdown)
	assert.True(t, r.NeedsRecovery())
	assert.Equal(t, "s1", r.OpenSession)
	require.Len(t, r.Mutations, 2)
	for _, m := range r.Mutations {
		assert.Equal(t, EntryChangeAdded, m.Type)
	}
	assert.Equal(t, []string{"op1"}, r.RolledBackIDs())
}

func TestRecover_SkipsSnapshottedEntries(t *testing.T) {
	l, _, _ := openTestLog(t)
	_, err := l.AppendGroup([]Record{
		added(t, "a", 0, 1),
		MustRecord(EntrySnapshot, SnapshotPayload{StateVersion: 1, LogSequence: 1}),
		added(t, "b", 5, 6),
	})
	require.NoError(t, err)

	r, err := Recover(l, 1)
	require.NoError(t, err)
	require.Len(t, r.Mutations, 1)
	assert.Equal(t, change.ID("b"), r.Mutations[0].Added.Change.ID)
	require.NotNil(t, r.LastSnapshot)
	assert.Equal(t, uint64(1), r.LastSnapshot.LogSequence)
	assert.False(t, r.CleanShutdown)
}

func TestRecover_OpenSessionSurvivesCompaction(t *testing.T) {
	l, _, _ := openTestLog(t)
	_, err := l.AppendGroup([]Record{
		MustRecord(EntrySessionStart, SessionPayload{SessionID: "s1", At: time.Now()}),
		added(t, "a", 0, 1),
	})
	require.NoError(t, err)
	covered := l.LastSequence()
	_, err = l.Append(EntrySnapshot, MustRecord(EntrySnapshot, SnapshotPayload{
		StateVersion: 1, LogSequence: covered, SessionID: "s1",
	}).Payload)
	require.NoError(t, err)
	require.NoError(t, l.Compact(covered))

	beat := MustRecord(EntryHeartbeat, HeartbeatPayload{At: time.Now(), StateVersion: 1})
	for range 2 {
		_, err = l.Append(beat.Type, beat.Payload)
		require.NoError(t, err)
	}

	r, err := Recover(l, covered)
	require.NoError(t, err)
	assert.Empty(t, r.Mutations)
	assert.False(t, r.CleanShutdown)
	assert.True(t, r.NeedsRecovery())
	assert.Equal(t, "s1", r.OpenSession)

	// A later end closes it again.
	_, err = l.Append(EntrySessionEnd, MustRecord(EntrySessionEnd, SessionPayload{SessionID: "s1", At: time.Now()}).Payload)
	require.NoError(t, err)
	r, err = Recover(l, covered)
	require.NoError(t, err)
	assert.True(t, r.CleanShutdown)
	assert.Empty(t, r.OpenSession)
}

func TestRecover_SnapshotAfterSessionEndIsClean(t *testing.T) {
	l, _, _ := openTestLog(t)
	_, err := l.AppendGroup([]Record{
		MustRecord(EntrySessionStart, SessionPayload{SessionID: "s1", At: time.Now()}),
		added(t, "a", 0, 1),
		MustRecord(EntrySessionEnd, SessionPayload{SessionID: "s1", At: time.Now()}),
	})
	require.NoError(t, err)
	covered := l.LastSequence()
	_, err = l.Append(EntrySnapshot, MustRecord(EntrySnapshot, SnapshotPayload{StateVersion: 2, LogSequence: covered}).Payload)
	require.NoError(t, err)
	require.NoError(t, l.Compact(covered))

	r, err := Recover(l, covered)
	require.NoError(t, err)
	assert.True(t, r.CleanShutdown)
	assert.False(t, r.NeedsRecovery())
}

// =============================================================================
// Heartbeat Tests
// =============================================================================

func TestHeartbeat_CommitsOnTick(t *testing.T) {
	l, _, _ := openTestLog(t)
	var commits atomic.Int32
	hb := NewHeartbeat(l, HeartbeatConfig{
		Interval: 20 * time.Millisecond,
		Beat:     func() HeartbeatPayload { return HeartbeatPayload{At: time.Now(), StateVersion: 1} },
		OnCommit: func(ctx context.Context, trigger string) error {
			commits.Add(1)
			return nil
		},
	})
	hb.Start(context.Background())
	require.Eventually(t, func() bool { return commits.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	hb.Stop()

	st := hb.Stats()
	assert.GreaterOrEqual(t, st.Heartbeats, uint64(2))
	assert.GreaterOrEqual(t, l.Len(), 2)
}

func TestHeartbeat_NudgeOverHardLimit(t *testing.T) {
	l, _, _ := openTestLog(t)
	triggers := make(chan string, 4)
	hb := NewHeartbeat(l, HeartbeatConfig{
		Interval:  time.Hour,
		SoftLimit: 100,
		HardLimit: 200,
		OnCommit: func(ctx context.Context, trigger string) error {
			triggers <- trigger
			return nil
		},
	})
	hb.Start(context.Background())
	defer hb.Stop()

	hb.Nudge()
	_, err := l.Append(EntryHeartbeat, make([]byte, 256))
	require.NoError(t, err)
	hb.Nudge()

	select {
	case trig := <-triggers:
		assert.Equal(t, TriggerHardLimit, trig)
	case <-time.After(2 * time.Second):
		t.Fatal("no commit after nudge")
	}
}

func TestHeartbeat_TriggerCommitDebounce(t *testing.T) {
	var commits int
	hb := NewHeartbeat(nil, HeartbeatConfig{
		OnCommit: func(ctx context.Context, trigger string) error {
			commits++
			return nil
		},
	})
	require.NoError(t, hb.TriggerCommit(context.Background(), TriggerManual))
	require.NoError(t, hb.TriggerCommit(context.Background(), TriggerManual))
	assert.Equal(t, 1, commits)
}
