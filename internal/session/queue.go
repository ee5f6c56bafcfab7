package session

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"changetrack/internal/batch"
	"changetrack/internal/change"
	"changetrack/internal/cluster"
	"changetrack/internal/event"
	"changetrack/internal/tracing"
)

const actorAutoAccept = "policy:auto-accept"

// Release is the outcome of a batch release. Accepted lists the changes the
// auto-accept policy settled; Review lists those left Pending for review.
type Release struct {
	Batch    *batch.Batch
	Accepted []change.ID
	Review   []change.ID
	// OpID identifies the auto-accept bulk operation, if one ran.
	OpID string
}

// Enqueue adds a review item. Members that are no longer Pending are
// dropped; an item left empty fails with ErrNothingPending. Items without
// a confidence get the sum of their members'.
func (d *Document) Enqueue(ctx context.Context, it batch.Item) (batch.EnqueueResult, error) {
	if d.closed.Load() {
		return batch.EnqueueResult{}, ErrClosed
	}

	d.mu.RLock()
	var ids []change.ID
	var confidence float64
	for _, id := range it.ChangeIDs {
		c, ok := d.lookupPending(id)
		if !ok {
			continue
		}
		ids = append(ids, id)
		confidence += c.Confidence
	}
	d.mu.RUnlock()

	if len(ids) == 0 {
		return batch.EnqueueResult{}, ErrNothingPending
	}
	it.ChangeIDs = ids
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Confidence == 0 {
		it.Confidence = confidence
	}
	res, err := d.enqueue(ctx, it)
	if err != nil {
		return res, timeout("enqueue", err)
	}
	d.kickBatches()
	return res, nil
}

func (d *Document) enqueue(ctx context.Context, it batch.Item) (batch.EnqueueResult, error) {
	res, err := d.queue.Enqueue(ctx, it)
	if err != nil {
		return res, err
	}
	if len(res.Shed) > 0 {
		d.surface(res.Shed)
		d.logger.Info("review queue shed items", "count", len(res.Shed))
		d.env.events.Emit(event.NewBatchShed(d.id, res.Shed))
	}
	return res, nil
}

// ReleaseBatch releases everything queued, regardless of thresholds. It
// returns nil when the queue is empty.
func (d *Document) ReleaseBatch(ctx context.Context) (*Release, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	b := d.queue.Release(batch.TriggerManual)
	if b == nil {
		return nil, nil
	}
	return d.release(ctx, b)
}

// release applies the auto-accept policy to a released batch and announces
// it.
func (d *Document) release(ctx context.Context, b *batch.Batch) (rel *Release, err error) {
	ctx, span := d.env.tracer.StartDocument(ctx, tracing.SpanRelease, d.id,
		tracing.KeyTrigger.String(string(b.Trigger)))
	defer func() { tracing.End(span, err) }()

	d.surface(b.Items)
	rel = &Release{Batch: b}
	policy := d.cfg().policy
	d.mu.RLock()
	accept, review := policy.Split(b, d.lookupPending)
	d.mu.RUnlock()
	rel.Review = review

	if len(accept) > 0 {
		res, err := d.bulk(ctx, batch.BulkAutoAccept, actorAutoAccept, "", func() ([]change.Transition, error) {
			ids := slices.DeleteFunc(slices.Clone(accept), func(id change.ID) bool { return !d.isPending(id) })
			return batch.Plan(batch.BulkAutoAccept, ids), nil
		})
		if err != nil {
			return nil, fmt.Errorf("auto-accept batch %s: %w", b.ID, err)
		}
		rel.OpID = res.OpID
		for _, a := range res.Applied {
			rel.Accepted = append(rel.Accepted, a.ID)
		}
	}

	span.SetAttributes(tracing.KeyChangeCount.Int(len(rel.Accepted) + len(rel.Review)))
	d.logger.Info("batch released",
		"batch_id", b.ID,
		"trigger", string(b.Trigger),
		"accepted", len(rel.Accepted),
		"review", len(rel.Review))
	d.env.events.Emit(event.NewBatchReleased(d.id, b, rel.Accepted, rel.Review))
	return rel, nil
}

// syncQueue brings the automatic queue items in line with a clustering
// result: one item per live cluster and one loose item per unclustered
// Pending change. Automatic items that left the result are dropped; items
// added through Enqueue are left alone. An item that was already released
// or shed is not queued again until its cluster or change leaves the result.
func (d *Document) syncQueue(snap *cluster.Snapshot) {
	var want []batch.Item
	now := time.Now()
	d.mu.RLock()
	if snap != nil {
		for _, cl := range snap.Clusters {
			ids := slices.DeleteFunc(slices.Clone(cl.ChangeIDs), func(id change.ID) bool { return !d.isPending(id) })
			if len(ids) == 0 {
				continue
			}
			want = append(want, batch.Item{
				ID:         "cluster:" + cl.ID,
				ChangeIDs:  ids,
				ClusterID:  cl.ID,
				Priority:   severityPriority(change.SeverityForCategory(cl.Centroid.Category)),
				Confidence: cl.Metrics.Confidence * float64(len(ids)),
				EnqueuedAt: now,
				Auto:       true,
			})
		}
		for _, id := range snap.Unclustered {
			c, ok := d.lookupPending(id)
			if !ok {
				continue
			}
			want = append(want, batch.Item{
				ID:         "change:" + string(id),
				ChangeIDs:  []change.ID{id},
				Priority:   severityPriority(c.Severity()),
				Confidence: c.Confidence,
				EnqueuedAt: now,
				Auto:       true,
			})
		}
	}
	d.mu.RUnlock()

	live := make(map[string]bool, len(want))
	for _, it := range want {
		live[it.ID] = true
	}
	queued := d.queue.Retain(func(it *batch.Item) bool { return !it.Auto || live[it.ID] })

	d.surfacedMu.Lock()
	for id := range d.surfaced {
		if !live[id] {
			delete(d.surfaced, id)
		}
	}
	items := slices.DeleteFunc(want, func(it batch.Item) bool { return queued[it.ID] || d.surfaced[it.ID] })
	d.surfacedMu.Unlock()

	for _, it := range items {
		if _, err := d.enqueue(context.Background(), it); err != nil {
			d.logger.Warn("queueing review item failed", "item_id", it.ID, "error", err)
		}
	}
	if len(items) > 0 {
		d.kickBatches()
	}
}

// surface records automatic items that left the queue by release or
// shedding.
func (d *Document) surface(items []*batch.Item) {
	d.surfacedMu.Lock()
	defer d.surfacedMu.Unlock()
	for _, it := range items {
		if it.Auto {
			d.surfaced[it.ID] = true
		}
	}
}

func severityPriority(s change.Severity) batch.Priority {
	switch s {
	case change.SeverityTrivial:
		return batch.Low
	case change.SeverityMajor:
		return batch.High
	default:
		return batch.Normal
	}
}

func (d *Document) kickBatches() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// runBatches releases the queue whenever a threshold is met.
func (d *Document) runBatches(ctx context.Context) {
	defer close(d.loopDone)
	interval := d.cfg().pollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		}
		if iv := d.cfg().pollInterval; iv != interval {
			interval = iv
			ticker.Reset(iv)
		}
		b := d.queue.Poll(time.Now())
		if b == nil {
			continue
		}
		if _, err := d.release(ctx, b); err != nil {
			d.logger.Warn("batch release failed", "batch_id", b.ID, "error", err)
			d.env.events.Emit(event.NewBackgroundFailed(d.id, "release", err))
		}
	}
}

// lookupPending returns a Pending change. Must be called with d.mu held.
func (d *Document) lookupPending(id change.ID) (*change.Change, bool) {
	c, err := d.store.Get(id)
	if err != nil || c.Status != change.Pending {
		return nil, false
	}
	return c, true
}
