package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"changetrack/internal/batch"
	"changetrack/internal/change"
	"changetrack/internal/event"
	"changetrack/internal/state"
	"changetrack/internal/storage"
	"changetrack/internal/tracing"
	"changetrack/internal/wal"
	"changetrack/internal/worker"
)

const (
	triggerRestore = "restore"
	triggerOpen    = "open"

	// restoreRounds bounds how often a restore retries when the state keeps
	// changing while the snapshot is written.
	restoreRounds = 3
)

// persistOptions configures attach.
type persistOptions struct {
	store        storage.SnapshotStore
	dir          string
	masterKey    []byte
	sync         bool
	keep         int
	retries      int
	retryInitial time.Duration
}

// persister owns the change log and snapshot history of one document.
//
// Lock order is persister.mu, then Document.mu. Mutations hold only
// Document.mu and never wait for a commit.
type persister struct {
	log       *wal.Log
	heartbeat *wal.Heartbeat
	store     storage.SnapshotStore
	dir       string

	keep         int
	retries      int
	retryInitial time.Duration

	// degraded is set while log writes are skipped.
	degraded atomic.Bool
	bg       sync.WaitGroup

	mu           sync.Mutex // serializes commits
	savedVersion uint64
}

// attach loads the newest snapshot, opens the change log and replays what
// the snapshot does not cover. It runs before start, so nothing else can
// see the document yet.
func (d *Document) attach(ctx context.Context, o persistOptions) (err error) {
	ctx, span := d.env.tracer.StartDocument(ctx, tracing.SpanRecover, d.id)
	defer func() {
		tracing.End(span, err)
		if err != nil {
			d.env.metrics.ObserveRecovery("failed")
		}
	}()

	var afterSeq uint64
	stored, err := o.store.Load(ctx, d.id)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrArchived):
		d.logger.Debug("no active snapshot, starting fresh")
	case err != nil:
		return &PersistenceError{Op: "load snapshot", DocumentID: d.id, Err: err}
	default:
		snap, err := state.Decode(stored.Data)
		if err != nil {
			return fmt.Errorf("session: decode snapshot of %s: %w", d.id, err)
		}
		if snap.DocumentID != d.id {
			return fmt.Errorf("session: snapshot belongs to %q, not %q", snap.DocumentID, d.id)
		}
		if err := d.restore(snap); err != nil {
			return err
		}
		afterSeq = snap.LogSequence
		if snap.MigratedFrom != 0 {
			d.logger.Info("snapshot migrated", "from", snap.MigratedFrom, "to", state.CurrentVersion)
		}
	}

	key, err := wal.DeriveKey(o.masterKey, d.id)
	if err != nil {
		return err
	}
	var opts []wal.Option
	if !o.sync {
		opts = append(opts, wal.WithoutSync())
	}
	log, err := wal.Open(LogPath(o.dir, d.id), d.id, key, opts...)
	if err != nil {
		return &PersistenceError{Op: "open log", DocumentID: d.id, Err: err}
	}
	report, err := wal.Recover(log, afterSeq)
	if err != nil {
		log.Close()
		return &PersistenceError{Op: "recover", DocumentID: d.id, Err: err}
	}

	d.persist = &persister{
		log:          log,
		store:        o.store,
		dir:          o.dir,
		keep:         o.keep,
		retries:      max(o.retries, 1),
		retryInitial: o.retryInitial,
		savedVersion: d.version,
	}

	d.mu.Lock()
	replayed := d.replay(report)
	d.mu.Unlock()

	result := "clean"
	if report.NeedsRecovery() {
		result = "recovered"
		d.logger.Warn("recovered from unclean shutdown",
			"replayed", replayed,
			"rolled_back", len(report.RolledBack),
			"orphaned", report.Orphaned,
			"torn", report.Damage != nil)
		d.env.events.Emit(event.NewRecovered(d.id, replayed, report.RolledBackIDs(), report.Damage != nil))
	}
	d.env.metrics.ObserveRecovery(result)
	d.env.metrics.SetLogBytes(d.id, log.Size())

	if report.NeedsRecovery() || log.LastSequence() < afterSeq {
		if _, err := d.commit(ctx, triggerOpen); err != nil {
			d.logger.Warn("snapshot after recovery failed", "error", err)
		}
	}
	return nil
}

// restore installs a decoded snapshot.
func (d *Document) restore(snap *state.Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store.SetDocumentLength(snap.DocumentLength)
	for _, r := range snap.Records() {
		if err := d.store.Restore(r); err != nil {
			return fmt.Errorf("session: restore snapshot of %s: %w", d.id, err)
		}
	}
	d.store.ReserveSeq(snap.NextSeq)
	d.trail = state.NewTrail(snap.Audit)
	d.clusters = snap.Clusters
	d.queue.Restore(snap.PendingBatch)
	d.history = slices.Clone(snap.Sessions)
	d.version = snap.StateVersion
	return nil
}

// replay applies recovered log mutations. Entries that no longer apply are
// skipped. Must be called with d.mu held.
func (d *Document) replay(r *wal.Report) int {
	n := 0
	for _, m := range r.Mutations {
		var err error
		switch {
		case m.Added != nil:
			err = d.applyAdded(m.Added.Change, m.Added.Conflicts, m.Added.Actor, nil)
		case m.Status != nil:
			_, err = d.applyStatus(m.Status.ChangeID, m.Status.To, m.Status.Actor, nil)
		case m.Length != nil:
			d.applyLength(m.Length.Length)
		case m.Bulk != nil:
			op := batch.BulkOp{
				ID:        m.Bulk.OpID,
				Kind:      batch.BulkKind(m.Bulk.Kind),
				Actor:     m.Bulk.Actor,
				ClusterID: m.Bulk.ClusterID,
			}
			for _, t := range m.Transitions {
				op.Transitions = append(op.Transitions, change.Transition{ID: t.ChangeID, To: t.To})
			}
			_, err = d.applyBulk(op, nil)
		}
		if err != nil {
			d.logger.Warn("skipping log entry", "seq", m.Seq, "type", m.Type.String(), "error", err)
			continue
		}
		n++
	}

	for _, b := range r.RolledBack {
		d.trail.Append(state.AuditEntry{
			At:     r.RecoveredAt,
			Actor:  b.Actor,
			Action: state.ActionRollback,
			OpID:   b.OpID,
			Detail: b.Kind,
		})
	}
	if r.NeedsRecovery() {
		for i := range d.history {
			if d.history[i].EndedAt == nil {
				d.history[i].Recovered = true
			}
		}
		d.trail.Append(state.AuditEntry{
			At:     r.RecoveredAt,
			Actor:  "system",
			Action: state.ActionRecovered,
			Detail: fmt.Sprintf("replayed %d of %d entries", n, len(r.Mutations)),
		})
		d.version++
	}
	return n
}

// write appends the log records of a mutation. A failed append switches the
// document to memory-only operation and the mutation still proceeds. Must be
// called with d.mu held.
func (d *Document) write(ctx context.Context, op string, out *outbox, recs ...wal.Record) error {
	if err := ctx.Err(); err != nil {
		return timeout(op, err)
	}
	p := d.persist
	if p == nil || p.degraded.Load() {
		return nil
	}
	var err error
	if len(recs) == 1 {
		_, err = p.log.Append(recs[0].Type, recs[0].Payload)
	} else {
		_, err = p.log.AppendGroup(recs)
	}
	if err != nil {
		d.degrade(&PersistenceError{Op: op, DocumentID: d.id, Err: err}, out)
		return nil
	}
	if p.heartbeat != nil {
		p.heartbeat.Nudge()
	}
	return nil
}

// degrade stops log writes and starts retrying a full snapshot in the
// background.
func (d *Document) degrade(cause error, out *outbox) {
	p := d.persist
	if !p.degraded.CompareAndSwap(false, true) {
		return
	}
	d.env.metrics.SetDegraded(int(d.env.degraded.Add(1)))
	d.logger.Error("persistence failed, continuing in memory", "error", cause)
	out.add(event.NewPersistenceDegraded(d.id, cause))

	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		if p.retryInitial > 0 {
			time.Sleep(p.retryInitial)
		}
		if _, err := d.commit(context.Background(), triggerRestore); err != nil && !errors.Is(err, ErrClosed) {
			d.logger.Warn("persistence still unavailable", "error", err)
		}
	}()
}

// commit writes a snapshot and compacts the log behind it. While degraded
// it also tries to bring persistence back.
func (d *Document) commit(ctx context.Context, trigger string) (_ *state.Snapshot, err error) {
	p := d.persist
	p.mu.Lock()
	defer p.mu.Unlock()

	if d.closed.Load() && trigger != wal.TriggerClose {
		return nil, ErrClosed
	}
	degraded := p.degraded.Load()
	if trigger == wal.TriggerHeartbeat && !degraded {
		d.mu.RLock()
		unchanged := d.version == p.savedVersion
		d.mu.RUnlock()
		if unchanged {
			return nil, nil
		}
	}

	ctx, span := d.env.tracer.StartDocument(ctx, tracing.SpanSnapshot, d.id,
		tracing.KeyTrigger.String(trigger),
		tracing.KeyDegraded.Bool(degraded))
	defer func() { tracing.End(span, err) }()

	if degraded {
		return d.recoverDurability(ctx)
	}

	snap := d.capture()
	if err := d.save(ctx, snap); err != nil {
		return nil, err
	}
	if err := d.markSnapshot(snap); err != nil {
		var out outbox
		d.degrade(err, &out)
		out.flush(d)
		return snap, err
	}
	d.logger.Debug("snapshot committed",
		"trigger", trigger,
		"state_version", snap.StateVersion,
		"log_sequence", snap.LogSequence)
	return snap, nil
}

// recoverDurability saves a full snapshot of the in-memory state and, when
// nothing changed meanwhile, resumes log writes. Must be called with p.mu
// held.
func (d *Document) recoverDurability(ctx context.Context) (*state.Snapshot, error) {
	p := d.persist
	for range restoreRounds {
		snap := d.capture()
		if err := d.save(ctx, snap); err != nil {
			return nil, err
		}

		d.mu.Lock()
		if d.version != snap.StateVersion {
			d.mu.Unlock()
			continue
		}
		err := d.markSnapshot(snap)
		if err == nil {
			p.degraded.Store(false)
		}
		d.mu.Unlock()
		if err != nil {
			return snap, err
		}

		d.env.metrics.SetDegraded(int(d.env.degraded.Add(-1)))
		d.logger.Info("persistence restored", "state_version", snap.StateVersion)
		d.env.events.Emit(event.NewPersistenceRestored(d.id))
		return snap, nil
	}
	return nil, &PersistenceError{
		Op:         "restore",
		DocumentID: d.id,
		Err:        errors.New("state changed during every attempt"),
	}
}

// capture copies the document state.
func (d *Document) capture() *state.Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stateLocked()
}

// Must be called with d.mu held.
func (d *Document) stateLocked() *state.Snapshot {
	sessions := slices.Clone(d.history)
	if d.session.ID != "" {
		sessions = append(sessions, d.session)
	}
	var logSeq uint64
	if d.persist != nil {
		logSeq = d.persist.log.LastSequence()
	}
	return &state.Snapshot{
		DocumentID:     d.id,
		StateVersion:   d.version,
		LogSequence:    logSeq,
		TakenAt:        time.Now().UTC(),
		DocumentLength: d.store.DocumentLength(),
		NextSeq:        d.store.LastSeq(),
		Changes:        state.FromRecords(d.store.Records()),
		Clusters:       d.clusters,
		PendingBatch:   d.queue.Items(),
		Audit:          d.trail.Entries(),
		Sessions:       sessions,
	}
}

// save encodes snap and stores it on the worker pool, retrying with
// exponential backoff.
func (d *Document) save(ctx context.Context, snap *state.Snapshot) error {
	p := d.persist
	start := time.Now()
	data, err := state.Encode(snap)
	if err != nil {
		d.env.metrics.ObserveSnapshot(err, 0, 0)
		return &PersistenceError{Op: "encode snapshot", DocumentID: d.id, Err: err}
	}
	rec := storage.Snapshot{
		Meta: storage.Meta{
			DocumentID:    d.id,
			StateVersion:  snap.StateVersion,
			SchemaVersion: state.CurrentVersion,
			LogSequence:   snap.LogSequence,
			SavedAt:       snap.TakenAt,
			Size:          len(data),
		},
		Data: data,
	}

	b := backoff.NewExponentialBackOff()
	if p.retryInitial > 0 {
		b.InitialInterval = p.retryInitial
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := d.onPool(ctx, "save-snapshot", func(ctx context.Context) error {
			return p.store.Save(ctx, rec)
		})
		if errors.Is(err, storage.ErrClosed) || errors.Is(err, worker.ErrClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.retries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			d.env.metrics.IncPersistRetry()
			d.logger.Warn("snapshot save failed, retrying", "error", err, "wait", wait)
		}),
	)
	d.env.metrics.ObserveSnapshot(err, time.Since(start), len(data))
	if err != nil {
		return &PersistenceError{Op: "save snapshot", DocumentID: d.id, Err: err}
	}
	p.savedVersion = snap.StateVersion

	if p.keep > 0 {
		if n, err := p.store.Prune(ctx, d.id, p.keep); err != nil {
			d.logger.Warn("pruning snapshot history failed", "error", err)
		} else if n > 0 {
			d.logger.Debug("pruned snapshot history", "removed", n)
		}
	}
	return nil
}

// markSnapshot records the snapshot in the log and drops the entries it
// covers.
func (d *Document) markSnapshot(snap *state.Snapshot) error {
	p := d.persist
	rec, err := record(wal.EntrySnapshot, wal.SnapshotPayload{
		StateVersion: snap.StateVersion,
		LogSequence:  snap.LogSequence,
		SessionID:    openSession(snap),
	})
	if err != nil {
		return err
	}
	if _, err := p.log.Append(rec.Type, rec.Payload); err != nil {
		return &PersistenceError{Op: "mark snapshot", DocumentID: d.id, Err: err}
	}
	if err := p.log.Compact(snap.LogSequence); err != nil {
		return &PersistenceError{Op: "compact log", DocumentID: d.id, Err: err}
	}
	d.env.metrics.SetLogBytes(d.id, p.log.Size())
	return nil
}

// openSession returns the id of the session snap shows as still running.
func openSession(snap *state.Snapshot) string {
	if n := len(snap.Sessions); n > 0 && snap.Sessions[n-1].EndedAt == nil {
		return snap.Sessions[n-1].ID
	}
	return ""
}

// onPool runs fn as a pool job and waits for it.
func (d *Document) onPool(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	err := d.env.pool.Submit(name, func(context.Context) {
		done <- fn(ctx)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beat supplies heartbeat entries.
func (d *Document) beat() wal.HeartbeatPayload {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return wal.HeartbeatPayload{
		At:           time.Now().UTC(),
		StateVersion: d.version,
		Changes:      d.store.Len(),
	}
}
