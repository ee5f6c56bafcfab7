package session

import (
	"context"
	"fmt"
	"slices"

	"changetrack/internal/change"
	"changetrack/internal/cluster"
	"changetrack/internal/state"
	"changetrack/internal/wal"
)

// Change returns a copy of one change.
func (d *Document) Change(id change.ID) (*change.Change, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.store.Get(id)
}

// Changes lists changes matching f in submission order.
func (d *Document) Changes(f change.Filter) ([]*change.Change, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.store.List(f)
}

// Clusters returns the current cluster snapshot, or nil before the first
// recompute. The snapshot is shared and must not be modified.
func (d *Document) Clusters() *cluster.Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clusters
}

// Cluster returns one cluster of the current snapshot.
func (d *Document) Cluster(id string) (*cluster.Cluster, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cl, ok := d.clusters.Find(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, id)
	}
	return cl, nil
}

// Unclustered lists Pending changes that belong to no cluster.
func (d *Document) Unclustered() []change.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := d.store.IDsWithStatus(change.Pending)
	if d.clusters == nil {
		return ids
	}
	return slices.DeleteFunc(ids, func(id change.ID) bool {
		_, ok := d.clusters.ClusterOf(id)
		return ok
	})
}

// Audit returns audit entries with a sequence number above since.
func (d *Document) Audit(since uint64) []state.AuditEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.trail.Since(since)
}

// Session returns the current session.
func (d *Document) Session() state.SessionRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copySession(d.session)
}

// Sessions returns every recorded session, oldest first, including the
// current one.
func (d *Document) Sessions() []state.SessionRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]state.SessionRecord, 0, len(d.history)+1)
	for _, s := range d.history {
		out = append(out, copySession(s))
	}
	return append(out, copySession(d.session))
}

func copySession(s state.SessionRecord) state.SessionRecord {
	s.Operations = slices.Clone(s.Operations)
	s.Conflicts = slices.Clone(s.Conflicts)
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}

// Settle waits until clustering has caught up with every mutation so far.
func (d *Document) Settle(ctx context.Context) error {
	return d.engine.Settle(ctx)
}

// Snapshot commits a snapshot now and returns it. Without persistence it
// only captures the state.
func (d *Document) Snapshot(ctx context.Context) (*state.Snapshot, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if d.persist == nil {
		return d.capture(), nil
	}
	return d.commit(ctx, wal.TriggerManual)
}

// Stats summarizes a document.
type Stats struct {
	DocumentID   string
	SessionID    string
	Total        int
	Packed       int
	ByStatus     map[change.Status]int
	Clusters     int
	Unclustered  int
	QueueItems   int
	QueueBytes   int
	StateVersion uint64
	LogBytes     int64
	LogEntries   int
	Degraded     bool
}

// Stats returns current counters.
func (d *Document) Stats() Stats {
	d.mu.RLock()
	cs := d.store.Stats()
	st := Stats{
		DocumentID:   d.id,
		SessionID:    d.session.ID,
		Total:        cs.Total,
		Packed:       cs.Packed,
		ByStatus:     cs.ByStatus,
		StateVersion: d.version,
	}
	if d.clusters != nil {
		st.Clusters = len(d.clusters.Clusters)
	}
	d.mu.RUnlock()

	st.Unclustered = len(d.Unclustered())
	st.QueueItems = d.queue.Len()
	st.QueueBytes = d.queue.Bytes()
	if p := d.persist; p != nil {
		st.LogBytes = p.log.Size()
		st.LogEntries = p.log.Len()
		st.Degraded = p.degraded.Load()
	}
	return st
}

// Degraded reports whether the document runs without durable persistence.
func (d *Document) Degraded() bool {
	return d.persist != nil && d.persist.degraded.Load()
}
