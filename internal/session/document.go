package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"changetrack/internal/batch"
	"changetrack/internal/change"
	"changetrack/internal/cluster"
	"changetrack/internal/config"
	"changetrack/internal/conflict"
	"changetrack/internal/event"
	"changetrack/internal/ingest"
	"changetrack/internal/logging"
	"changetrack/internal/metrics"
	"changetrack/internal/state"
	"changetrack/internal/tracing"
	"changetrack/internal/wal"
	"changetrack/internal/worker"
)

// env is what the coordinator shares with its documents. Nothing in it is
// document state.
type env struct {
	pool     *worker.Pool
	events   *event.Dispatcher
	metrics  *metrics.Metrics
	tracer   *tracing.Tracer
	scorer   *ingest.Scorer
	degraded atomic.Int64
}

// settings are the hot-reloadable knobs of a document.
type settings struct {
	ingestTimeout    time.Duration
	bulkTimeout      time.Duration
	policy           batch.Policy
	compressTerminal bool
	largeWords       int
	pollInterval     time.Duration
}

func newSettings(cfg *config.Config, bc batch.Config) *settings {
	poll := time.Second
	if w := bc.TimeWindow; w > 0 {
		poll = min(max(w/4, 50*time.Millisecond), time.Second)
	}
	return &settings{
		ingestTimeout:    millis(cfg.Session.IngestTimeoutMs),
		bulkTimeout:      millis(cfg.Session.BulkTimeoutMs),
		policy:           batch.Policy{AutoAcceptBelow: bc.AutoAcceptBelow},
		compressTerminal: cfg.Memory.CompressTerminal,
		largeWords:       cfg.Memory.LargeDocumentWords,
		pollInterval:     poll,
	}
}

// Document is the tracking state of one open document.
//
// Every mutation takes mu exclusively, is written to the change log, and only
// then applied. Reads share mu and always see a state that was acknowledged.
// Clustering, packing and snapshot writes run on the shared worker pool and
// hand their results back under mu.
type Document struct {
	id     string
	env    *env
	logger *slog.Logger

	mu       sync.RWMutex
	store    *change.Store
	trail    *state.Trail
	clusters *cluster.Snapshot
	gen      uint64
	version  uint64

	// Sessions
	session state.SessionRecord
	history []state.SessionRecord

	settings atomic.Pointer[settings]
	closed   atomic.Bool

	packer   *state.RecordPacker
	adapter  *ingest.Adapter
	detector *conflict.Detector
	engine   *cluster.Engine
	queue    *batch.Processor
	persist  *persister

	// Automatic queue items already released or shed, by item id.
	surfacedMu sync.Mutex
	surfaced   map[string]bool

	packing  atomic.Bool
	kick     chan struct{}
	cancel   context.CancelFunc
	loopDone chan struct{}
}

func newDocument(id string, e *env, cfg *config.Config, logger *slog.Logger) (*Document, error) {
	bc, err := BatchConfig(cfg.Batch)
	if err != nil {
		return nil, err
	}
	packer := state.NewRecordPacker(state.NewCompressor(CompressConfig(cfg.Memory)))
	d := &Document{
		id:       id,
		env:      e,
		logger:   logging.ForDocument(logger, id),
		store:    change.NewStore(id, packer),
		trail:    state.NewTrail(nil),
		packer:   packer,
		adapter:  ingest.NewAdapter(e.scorer),
		detector: conflict.NewDetector(),
		surfaced: make(map[string]bool),
		kick:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
	d.settings.Store(newSettings(cfg, bc))
	d.queue = batch.NewProcessor(bc, batch.WithLogger(d.logger), batch.WithObserver(e.metrics))
	d.engine = cluster.NewEngine(d, cluster.EngineOptions{
		Config:    ClusterConfig(cfg.Clustering),
		Pool:      e.pool,
		Logger:    d.logger,
		Observer:  e.metrics,
		OnError:   d.clusteringFailed,
		OnApplied: d.clustersApplied,
	})
	return d, nil
}

// reconfigure applies hot-reloadable settings.
func (d *Document) reconfigure(cfg *config.Config) error {
	bc, err := BatchConfig(cfg.Batch)
	if err != nil {
		return err
	}
	d.settings.Store(newSettings(cfg, bc))
	d.queue.SetConfig(bc)
	d.engine.SetConfig(ClusterConfig(cfg.Clustering))
	if p := d.persist; p != nil && p.heartbeat != nil {
		p.heartbeat.SetInterval(HeartbeatConfig(cfg.Persistence).Interval)
	}
	d.kickBatches()
	return nil
}

// ID returns the document id.
func (d *Document) ID() string { return d.id }

func (d *Document) cfg() *settings { return d.settings.Load() }

// start opens the session and launches background work.
func (d *Document) start(hb wal.HeartbeatConfig) {
	now := time.Now().UTC()
	var out outbox
	d.mu.Lock()
	d.session = state.SessionRecord{ID: uuid.NewString(), StartedAt: now}
	if p := d.persist; p != nil {
		if rec, err := record(wal.EntrySessionStart, wal.SessionPayload{SessionID: d.session.ID, At: now}); err == nil {
			if _, err := p.log.Append(rec.Type, rec.Payload); err != nil {
				d.degrade(&PersistenceError{Op: "session start", DocumentID: d.id, Err: err}, &out)
			}
		}
		hb.Beat = d.beat
		hb.OnCommit = func(ctx context.Context, trigger string) error {
			_, err := d.commit(ctx, trigger)
			return err
		}
		hb.OnError = func(err error) {
			d.env.events.Emit(event.NewBackgroundFailed(d.id, "snapshot", err))
		}
		hb.Logger = d.logger
		p.heartbeat = wal.NewHeartbeat(p.log, hb)
	}
	if len(d.store.IDsWithStatus(change.Pending)) > 0 {
		d.gen++
	}
	gen, sessionID, total := d.gen, d.session.ID, d.store.Len()
	d.mu.Unlock()
	out.flush(d)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.engine.Start(ctx)
	if gen > 0 {
		d.engine.Notify(gen)
	}
	if p := d.persist; p != nil {
		p.heartbeat.Start(ctx)
	}
	go d.runBatches(ctx)
	d.logger.Info("document opened", "session_id", sessionID, "changes", total)
}

// close ends the session. With final set the state is snapshotted first.
func (d *Document) close(ctx context.Context, final bool) error {
	if d.closed.Swap(true) {
		return ErrClosed
	}
	d.mu.Lock()
	now := time.Now().UTC()
	d.session.EndedAt = &now
	d.version++
	sessionID := d.session.ID
	d.mu.Unlock()

	d.cancel()
	<-d.loopDone
	d.engine.Stop()

	var errs []error
	if p := d.persist; p != nil {
		p.heartbeat.Stop()
		p.bg.Wait()
		if !p.degraded.Load() {
			rec, err := record(wal.EntrySessionEnd, wal.SessionPayload{SessionID: sessionID, At: now})
			if err == nil {
				_, err = p.log.Append(rec.Type, rec.Payload)
			}
			if err != nil {
				errs = append(errs, &PersistenceError{Op: "session end", DocumentID: d.id, Err: err})
			}
		}
		if final {
			if _, err := d.commit(ctx, wal.TriggerClose); err != nil {
				errs = append(errs, err)
			}
		}
		if p.degraded.Swap(false) {
			d.env.metrics.SetDegraded(int(d.env.degraded.Add(-1)))
		}
		if err := p.log.Close(); err != nil {
			errs = append(errs, &PersistenceError{Op: "close log", DocumentID: d.id, Err: err})
		}
	}
	d.logger.Info("document closed", "session_id", sessionID)
	return errors.Join(errs...)
}

// =============================================================================
// Mutations
// =============================================================================

// Ingest records one edit as a Pending change. When it overlaps Pending
// changes, it and every one of them become Conflicted. The returned change
// reflects its status after conflict detection.
func (d *Document) Ingest(ctx context.Context, raw ingest.RawEdit) (*change.Change, error) {
	ctx, cancel := withTimeout(ctx, d.cfg().ingestTimeout)
	defer cancel()
	ctx, span := d.env.tracer.StartDocument(ctx, tracing.SpanIngest, d.id)
	out, err := d.ingest(ctx, []ingest.RawEdit{raw})
	if err == nil {
		span.SetAttributes(tracing.KeyChangeID.String(string(out[0].ID)))
	}
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// IngestBatch records several edits atomically: either all are stored or
// none is. Edits later in the batch are checked for conflicts against the
// earlier ones.
func (d *Document) IngestBatch(ctx context.Context, raws []ingest.RawEdit) ([]*change.Change, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	ctx, cancel := withTimeout(ctx, d.cfg().ingestTimeout)
	defer cancel()
	ctx, span := d.env.tracer.StartDocument(ctx, tracing.SpanIngestBatch, d.id,
		tracing.KeyChangeCount.Int(len(raws)))
	out, err := d.ingest(ctx, raws)
	tracing.End(span, err)
	return out, err
}

func (d *Document) ingest(ctx context.Context, raws []ingest.RawEdit) ([]*change.Change, error) {
	start := time.Now()
	var out outbox
	defer out.flush(d)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return nil, ErrClosed
	}

	changes := make([]*change.Change, 0, len(raws))
	for i, raw := range raws {
		c, err := d.adapter.Convert(d.id, raw, d.store)
		if err != nil {
			d.env.metrics.ObserveIngest(metrics.OutcomeRejected, time.Since(start))
			if len(raws) > 1 {
				return nil, fmt.Errorf("edit %d: %w", i, err)
			}
			return nil, err
		}
		changes = append(changes, c)
	}

	pending := d.store.Pending()
	sets := make([]conflict.Set, len(changes))
	recs := make([]wal.Record, 0, len(changes))
	for i, c := range changes {
		c.Seq = d.store.NextSeq()
		sets[i] = d.detector.Check(c, pending)
		if sets[i].Empty() {
			pending = append(pending, c)
		} else {
			with := sets[i].With
			pending = slices.DeleteFunc(pending, func(p *change.Change) bool { return slices.Contains(with, p.ID) })
		}
		rec, err := record(wal.EntryChangeAdded, wal.ChangeAddedPayload{
			Change:    c,
			Conflicts: sets[i].With,
			Actor:     string(c.Source),
		})
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	if err := d.write(ctx, "ingest", &out, recs...); err != nil {
		d.env.metrics.ObserveIngest(metrics.OutcomeTimeout, time.Since(start))
		return nil, err
	}

	for i, c := range changes {
		if err := d.applyAdded(c, sets[i].With, string(c.Source), &out); err != nil {
			// The log already holds the entry; the store rejected what the
			// adapter accepted.
			d.logger.Error("logged change could not be applied", "change_id", c.ID, "error", err)
			return nil, err
		}
		outcome := metrics.OutcomeAccepted
		if !sets[i].Empty() {
			outcome = metrics.OutcomeConflicted
			for range sets[i].Members() {
				d.env.metrics.ObserveTransition(change.Conflicted.String())
			}
			d.logger.Info("conflict detected", "change_id", c.ID, "with", sets[i].With)
		}
		d.env.metrics.ObserveIngest(outcome, time.Since(start))
	}
	d.engine.Notify(d.gen)

	// Read back: a later edit in the batch may have marked an earlier one
	// Conflicted.
	result := make([]*change.Change, 0, len(changes))
	for _, c := range changes {
		got, err := d.store.Get(c.ID)
		if err != nil {
			return nil, fmt.Errorf("read back change %s: %w", c.ID, err)
		}
		result = append(result, got)
	}
	return result, nil
}

// SetStatus moves a Pending change to Accepted or Rejected. Conflicted
// changes must go through ResolveConflict.
func (d *Document) SetStatus(ctx context.Context, id change.ID, to change.Status, actor string) (change.Applied, error) {
	return d.transition(ctx, id, to, actor, func(from change.Status) error {
		if from == change.Conflicted {
			return &conflict.Error{ChangeIDs: []change.ID{id}}
		}
		return nil
	})
}

// ResolveConflict settles a Conflicted change as Accepted or Rejected.
func (d *Document) ResolveConflict(ctx context.Context, id change.ID, to change.Status, actor string) (change.Applied, error) {
	return d.transition(ctx, id, to, actor, func(from change.Status) error {
		if from != change.Conflicted {
			return fmt.Errorf("%w: %s is %s", ErrNotConflicted, id, from)
		}
		return nil
	})
}

func (d *Document) transition(ctx context.Context, id change.ID, to change.Status, actor string, check func(from change.Status) error) (applied change.Applied, err error) {
	ctx, cancel := withTimeout(ctx, d.cfg().ingestTimeout)
	defer cancel()
	ctx, span := d.env.tracer.StartDocument(ctx, tracing.SpanTransition, d.id,
		tracing.KeyChangeID.String(string(id)))
	defer func() { tracing.End(span, err) }()

	if to != change.Accepted && to != change.Rejected {
		return change.Applied{}, fmt.Errorf("%w: only accepted or rejected can be set, got %s", change.ErrInvalidTransition, to)
	}

	var out outbox
	defer out.flush(d)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return change.Applied{}, ErrClosed
	}

	from, ok := d.store.StatusOf(id)
	if !ok {
		return change.Applied{}, fmt.Errorf("%w: %s", change.ErrNotFound, id)
	}
	if err := check(from); err != nil {
		return change.Applied{}, err
	}
	if !change.CanTransition(from, to) {
		return change.Applied{}, fmt.Errorf("%w: %s -> %s (change %s)", change.ErrInvalidTransition, from, to, id)
	}

	rec, err := record(wal.EntryStatusChanged, wal.StatusChangedPayload{ChangeID: id, From: from, To: to, Actor: actor})
	if err != nil {
		return change.Applied{}, err
	}
	if err := d.write(ctx, "status", &out, rec); err != nil {
		return change.Applied{}, err
	}
	applied, err = d.applyStatus(id, to, actor, &out)
	if err != nil {
		d.logger.Error("logged transition could not be applied", "change_id", id, "error", err)
		return change.Applied{}, err
	}
	d.env.metrics.ObserveTransition(to.String())
	d.engine.Notify(d.gen)
	d.maybePack()
	return applied, nil
}

// BulkResult describes a committed bulk operation.
type BulkResult struct {
	OpID    string
	Kind    batch.BulkKind
	Applied []change.Applied
}

// AcceptAll accepts every Pending change. It fails with a *conflict.Error
// while Conflicted changes are unresolved.
func (d *Document) AcceptAll(ctx context.Context, actor string) (*BulkResult, error) {
	return d.bulk(ctx, batch.BulkAcceptAll, actor, "", func() ([]change.Transition, error) {
		if ids := d.store.IDsWithStatus(change.Conflicted); len(ids) > 0 {
			return nil, &conflict.Error{ChangeIDs: ids}
		}
		return batch.Plan(batch.BulkAcceptAll, d.store.IDsWithStatus(change.Pending)), nil
	})
}

// RejectAll rejects every Pending and Conflicted change.
func (d *Document) RejectAll(ctx context.Context, actor string) (*BulkResult, error) {
	return d.bulk(ctx, batch.BulkRejectAll, actor, "", func() ([]change.Transition, error) {
		return batch.Plan(batch.BulkRejectAll, d.store.IDsWithStatus(change.Pending, change.Conflicted)), nil
	})
}

// AcceptCluster accepts every member of a cluster.
func (d *Document) AcceptCluster(ctx context.Context, clusterID, actor string) (*BulkResult, error) {
	return d.bulk(ctx, batch.BulkAcceptCluster, actor, clusterID, d.planCluster(batch.BulkAcceptCluster, clusterID))
}

// RejectCluster rejects every member of a cluster.
func (d *Document) RejectCluster(ctx context.Context, clusterID, actor string) (*BulkResult, error) {
	return d.bulk(ctx, batch.BulkRejectCluster, actor, clusterID, d.planCluster(batch.BulkRejectCluster, clusterID))
}

// planCluster runs under the write lock.
func (d *Document) planCluster(kind batch.BulkKind, clusterID string) func() ([]change.Transition, error) {
	return func() ([]change.Transition, error) {
		cl, ok := d.clusters.Find(clusterID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, clusterID)
		}
		var ids, conflicted []change.ID
		for _, id := range cl.ChangeIDs {
			switch st, _ := d.store.StatusOf(id); st {
			case change.Pending:
				ids = append(ids, id)
			case change.Conflicted:
				conflicted = append(conflicted, id)
			}
		}
		if len(conflicted) > 0 {
			return nil, &conflict.Error{ChangeIDs: conflicted}
		}
		return batch.Plan(kind, ids), nil
	}
}

// bulk logs and applies a set of transitions as one all-or-nothing unit.
// plan runs under the write lock.
func (d *Document) bulk(ctx context.Context, kind batch.BulkKind, actor, clusterID string, plan func() ([]change.Transition, error)) (res *BulkResult, err error) {
	ctx, cancel := withTimeout(ctx, d.cfg().bulkTimeout)
	defer cancel()
	opID := uuid.NewString()
	ctx = logging.ContextWithOperationID(ctx, opID)
	ctx, span := d.env.tracer.StartDocument(ctx, tracing.SpanBulk, d.id,
		tracing.KeyBulkKind.String(string(kind)),
		tracing.KeyOperationID.String(opID))
	defer func() {
		tracing.End(span, err)
		switch {
		case err == nil:
			span.SetAttributes(tracing.KeyChangeCount.Int(len(res.Applied)))
			d.env.metrics.ObserveBulk(string(kind), "committed", len(res.Applied))
		case Retryable(err):
			d.env.metrics.ObserveBulk(string(kind), "timeout", 0)
		default:
			d.env.metrics.ObserveBulk(string(kind), "failed", 0)
		}
	}()

	var out outbox
	defer out.flush(d)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return nil, ErrClosed
	}

	ts, err := plan()
	if err != nil {
		return nil, err
	}
	res = &BulkResult{OpID: opID, Kind: kind}
	if len(ts) == 0 {
		return res, nil
	}
	if err := d.store.ValidateBulk(ts); err != nil {
		return nil, err
	}

	op := batch.BulkOp{ID: opID, Kind: kind, Actor: actor, ClusterID: clusterID, Transitions: ts}
	recs, err := d.bulkFrame(op)
	if err != nil {
		return nil, err
	}
	if err := d.write(ctx, "bulk", &out, recs...); err != nil {
		return nil, err
	}
	res.Applied, err = d.applyBulk(op, &out)
	if err != nil {
		d.logger.Error("logged bulk operation could not be applied", "op_id", opID, "error", err)
		return nil, err
	}
	for _, a := range res.Applied {
		d.env.metrics.ObserveTransition(a.To.String())
	}
	logging.FromContext(ctx, d.logger).Info("bulk operation committed",
		"kind", string(kind), "changes", len(res.Applied), "actor", actor)
	d.engine.Notify(d.gen)
	d.maybePack()
	return res, nil
}

// bulkFrame encodes op as BulkBegin, one StatusChanged per member and
// BulkCommit. Must be called with d.mu held.
func (d *Document) bulkFrame(op batch.BulkOp) ([]wal.Record, error) {
	recs := make([]wal.Record, 0, len(op.Transitions)+2)
	begin, err := record(wal.EntryBulkBegin, wal.BulkBeginPayload{
		OpID: op.ID, Kind: string(op.Kind), Actor: op.Actor, ClusterID: op.ClusterID, Count: len(op.Transitions),
	})
	if err != nil {
		return nil, err
	}
	recs = append(recs, begin)
	for _, t := range op.Transitions {
		from, _ := d.store.StatusOf(t.ID)
		rec, err := record(wal.EntryStatusChanged, wal.StatusChangedPayload{
			ChangeID: t.ID, From: from, To: t.To, Actor: op.Actor, OpID: op.ID,
		})
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	commit, err := record(wal.EntryBulkCommit, wal.BulkCommitPayload{OpID: op.ID, Count: len(op.Transitions)})
	if err != nil {
		return nil, err
	}
	return append(recs, commit), nil
}

// SetDocumentLength records the current document length. Later edits must
// fit within it; zero removes the bound.
func (d *Document) SetDocumentLength(ctx context.Context, n uint32) error {
	ctx, cancel := withTimeout(ctx, d.cfg().ingestTimeout)
	defer cancel()
	var out outbox
	defer out.flush(d)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return ErrClosed
	}
	if d.store.DocumentLength() == n {
		return nil
	}
	rec, err := record(wal.EntryDocumentLength, wal.DocumentLengthPayload{Length: n})
	if err != nil {
		return err
	}
	if err := d.write(ctx, "length", &out, rec); err != nil {
		return err
	}
	d.applyLength(n)
	d.maybePack()
	return nil
}

// =============================================================================
// Apply
//
// These run with d.mu held, both for live mutations after their log entries
// are written and for log replay, where out is nil.
// =============================================================================

func (d *Document) applyAdded(c *change.Change, conflicts []change.ID, actor string, out *outbox) error {
	if err := d.store.Add(c); err != nil {
		return err
	}
	d.trail.Append(state.AuditEntry{
		At:        c.Timestamp,
		Actor:     actor,
		Action:    state.ActionIngest,
		ChangeIDs: []change.ID{c.ID},
		To:        change.Pending.String(),
	})
	out.add(event.NewChangeAdded(d.id, c))

	if len(conflicts) > 0 {
		set := conflict.Set{Change: c.ID, With: conflicts}
		var marked []change.ID
		for _, id := range set.Members() {
			src := d.sourceOf(id)
			from, err := d.store.Transition(id, change.Conflicted)
			if err != nil {
				d.logger.Warn("conflict member not pending", "change_id", id, "error", err)
				continue
			}
			marked = append(marked, id)
			out.add(event.NewStatusChanged(d.id, id, src, from, change.Conflicted, actor, ""))
		}
		d.trail.Append(state.AuditEntry{
			Actor:     actor,
			Action:    state.ActionConflict,
			ChangeIDs: marked,
			From:      change.Pending.String(),
			To:        change.Conflicted.String(),
		})
		d.session.Conflicts = append(d.session.Conflicts, marked)
		d.clusters = d.clusters.Invalidate(marked...)
		d.queue.Prune(d.isPending)
		out.add(event.NewConflictDetected(d.id, set))
	}
	d.version++
	d.gen++
	return nil
}

func (d *Document) applyStatus(id change.ID, to change.Status, actor string, out *outbox) (change.Applied, error) {
	src := d.sourceOf(id)
	from, err := d.store.Transition(id, to)
	if err != nil {
		return change.Applied{}, err
	}
	d.trail.Append(state.AuditEntry{
		Actor:     actor,
		Action:    state.ActionTransition,
		ChangeIDs: []change.ID{id},
		From:      from.String(),
		To:        to.String(),
	})
	out.add(event.NewStatusChanged(d.id, id, src, from, to, actor, ""))
	d.clusters = d.clusters.Invalidate(id)
	d.queue.Prune(d.isPending)
	d.version++
	d.gen++
	return change.Applied{ID: id, From: from, To: to}, nil
}

func (d *Document) applyBulk(op batch.BulkOp, out *outbox) ([]change.Applied, error) {
	sources := make(map[change.ID]change.Source, len(op.Transitions))
	for _, t := range op.Transitions {
		sources[t.ID] = d.sourceOf(t.ID)
	}
	applied, err := d.store.ApplyBulk(op.Transitions)
	if err != nil {
		return nil, err
	}
	ids := make([]change.ID, len(applied))
	for i, a := range applied {
		ids[i] = a.ID
		out.add(event.NewStatusChanged(d.id, a.ID, sources[a.ID], a.From, a.To, op.Actor, op.ID))
	}
	d.trail.Append(state.AuditEntry{
		Actor:     op.Actor,
		Action:    state.ActionBulk,
		ChangeIDs: ids,
		To:        op.Kind.Target().String(),
		OpID:      op.ID,
		Detail:    string(op.Kind),
	})
	d.session.Operations = append(d.session.Operations, op.ID)
	d.clusters = d.clusters.Invalidate(ids...)
	d.queue.Prune(d.isPending)
	d.version++
	d.gen++
	return applied, nil
}

func (d *Document) applyLength(n uint32) {
	d.store.SetDocumentLength(n)
	d.version++
}

// isPending is a queue prune predicate. Must be called with d.mu held.
func (d *Document) isPending(id change.ID) bool {
	st, ok := d.store.StatusOf(id)
	return ok && st == change.Pending
}

// sourceOf must be called with d.mu held.
func (d *Document) sourceOf(id change.ID) change.Source {
	c, err := d.store.Get(id)
	if err != nil {
		return ""
	}
	return c.Source
}

// =============================================================================
// Clustering
// =============================================================================

// ClusterInput implements cluster.Source.
func (d *Document) ClusterInput() (uint64, []*change.Change) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gen, d.store.Pending()
}

// ApplyClusters implements cluster.Source. A snapshot computed for an older
// generation is refused.
func (d *Document) ApplyClusters(gen uint64, snap *cluster.Snapshot) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() || gen != d.gen {
		return false
	}
	d.clusters = snap
	return true
}

func (d *Document) clustersApplied(snap *cluster.Snapshot) {
	d.env.events.Emit(event.NewClustersUpdated(d.id, snap))
	d.syncQueue(snap)
}

func (d *Document) clusteringFailed(err error) {
	d.env.events.Emit(event.NewBackgroundFailed(d.id, "cluster", err))
}

// =============================================================================
// Compression
// =============================================================================

// maybePack schedules packing of terminal changes once the document counts
// as large. Must be called with d.mu held.
func (d *Document) maybePack() {
	s := d.cfg()
	words := int(d.store.DocumentLength() / 6)
	if !s.compressTerminal && (s.largeWords <= 0 || words < s.largeWords) {
		return
	}
	if !d.packing.CompareAndSwap(false, true) {
		return
	}
	err := d.env.pool.Submit("pack-terminal", func(ctx context.Context) {
		defer d.packing.Store(false)
		d.pack()
	})
	if err != nil {
		d.packing.Store(false)
	}
}

func (d *Document) pack() {
	d.mu.RLock()
	candidates := d.store.PackCandidates()
	d.mu.RUnlock()
	if len(candidates) == 0 {
		return
	}
	packed, err := d.packer.PackAll(candidates)
	if err != nil {
		d.logger.Error("packing terminal changes failed", "error", err)
		d.env.events.Emit(event.NewBackgroundFailed(d.id, "compress", err))
		return
	}
	d.mu.Lock()
	n := d.store.ApplyPacked(packed)
	d.mu.Unlock()
	d.logger.Debug("packed terminal changes", "count", n)
}

// =============================================================================
// Helpers
// =============================================================================

// outbox collects events raised under the document lock so they are
// published after it is released. A nil outbox drops them.
type outbox struct {
	events  []event.Event
	invalid []error
}

// add queues the result of an event constructor for delivery after the
// mutation commits.
func (o *outbox) add(ev event.Event, err error) {
	if o == nil {
		return
	}
	if err != nil {
		o.invalid = append(o.invalid, err)
		return
	}
	o.events = append(o.events, ev)
}

func (o *outbox) flush(d *Document) {
	for _, err := range o.invalid {
		d.logger.Warn("dropping invalid event", "error", err)
	}
	for _, ev := range o.events {
		d.env.events.Publish(ev)
	}
	o.events, o.invalid = nil, nil
}

func record(t wal.EntryType, v any) (wal.Record, error) {
	b, err := wal.Encode(v)
	if err != nil {
		return wal.Record{}, err
	}
	return wal.Record{Type: t, Payload: b}, nil
}

// withTimeout applies a deadline unless d is zero.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
