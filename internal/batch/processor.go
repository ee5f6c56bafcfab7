// Package batch accumulates review work and releases it in batches.
//
// Items (clusters or loose changes) are queued by priority. A batch is
// released when any threshold trips: change count, summed confidence,
// distinct clusters, or the age of the oldest item. The queue is bounded in
// bytes; on overflow the oldest low-priority items are shed first and urgent
// items wait, then fail with *OverflowError. Shedding drops queue entries
// only; the changes themselves stay Pending in the store.
package batch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"changetrack/internal/change"
)

// ErrOverflow is the sentinel behind *OverflowError.
var ErrOverflow = errors.New("batch: queue overflow")

// OverflowError reports an urgent item that could not be scheduled in time.
type OverflowError struct {
	ItemID   string
	Priority Priority
	Waited   time.Duration
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("batch: %s item %s not scheduled after %v", e.Priority, e.ItemID, e.Waited)
}

func (e *OverflowError) Unwrap() error { return ErrOverflow }

// Thresholds trip a release. Zero disables a threshold.
type Thresholds struct {
	MaxChanges    int
	ConfidenceSum float64
	TimeWindow    time.Duration
	MaxClusters   int
}

// Config configures a Processor.
type Config struct {
	Thresholds
	// MaxQueueBytes bounds the estimated queue size. Zero is unbounded.
	MaxQueueBytes int
	// UrgentTimeout is how long an urgent item waits for room.
	UrgentTimeout time.Duration
	// AutoAcceptBelow accepts released changes at or below this severity.
	// Zero disables auto-acceptance.
	AutoAcceptBelow change.Severity
}

// DefaultConfig returns the default batching configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			MaxChanges:    25,
			ConfidenceSum: 15,
			TimeWindow:    30 * time.Second,
			MaxClusters:   5,
		},
		MaxQueueBytes: 1 << 20,
		UrgentTimeout: 2 * time.Second,
	}
}

// Trigger names why a batch was released.
type Trigger string

const (
	TriggerCount      Trigger = "count"
	TriggerConfidence Trigger = "confidence"
	TriggerTime       Trigger = "time"
	TriggerClusters   Trigger = "clusters"
	TriggerUrgent     Trigger = "urgent"
	TriggerManual     Trigger = "manual"
)

// Batch is a released group of items in priority order.
type Batch struct {
	ID         string    `json:"id"`
	Trigger    Trigger   `json:"trigger"`
	Items      []*Item   `json:"items"`
	ReleasedAt time.Time `json:"released_at"`
}

// ChangeIDs returns every change in the batch, deduplicated, in item order.
func (b *Batch) ChangeIDs() []change.ID {
	seen := make(map[change.ID]bool)
	var out []change.ID
	for _, it := range b.Items {
		for _, id := range it.ChangeIDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// EnqueueResult reports side effects of an enqueue.
type EnqueueResult struct {
	// Shed lists items dropped to make room, possibly including the new one.
	Shed []*Item
	// Accepted is false when the new item itself was shed.
	Accepted bool
}

// Observer receives queue measurements.
type Observer interface {
	ObserveShed(p Priority, n int)
	ObserveRelease(trigger string, changes int)
	SetQueueBytes(n int)
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option { return func(p *Processor) { p.observer = o } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

// Processor is a bounded priority queue of review work. It is safe for
// concurrent use.
type Processor struct {
	mu       sync.Mutex
	cfg      Config
	q        itemHeap
	bytes    int
	nextSeq  uint64
	space    chan struct{}
	now      func() time.Time
	logger   *slog.Logger
	observer Observer
}

// NewProcessor creates a processor.
func NewProcessor(cfg Config, opts ...Option) *Processor {
	p := &Processor{
		cfg:    cfg,
		space:  make(chan struct{}),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With("component", "batch")
	return p
}

// SetConfig replaces the configuration. Existing items are kept even if
// the new bound is smaller; the next enqueue sheds as needed.
func (p *Processor) SetConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// Config returns the active configuration.
func (p *Processor) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Enqueue adds an item. Lower-or-equal priority items are shed, oldest
// first, to make room. An urgent item that still does not fit waits up to
// UrgentTimeout for a release and then fails with *OverflowError; any other
// item that does not fit is shed itself.
func (p *Processor) Enqueue(ctx context.Context, it Item) (EnqueueResult, error) {
	item := it
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Size <= 0 {
		item.Size = estimateSize(&item)
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = p.now()
	}

	var (
		res      EnqueueResult
		deadline time.Time
		started  = time.Now()
	)
	for {
		p.mu.Lock()
		limit := p.cfg.MaxQueueBytes
		if limit <= 0 || p.bytes+item.Size <= limit {
			p.push(&item)
			p.mu.Unlock()
			res.Accepted = true
			return res, nil
		}

		if item.Size <= limit && p.bytes-p.sheddable(item.Priority)+item.Size <= limit {
			for p.bytes+item.Size > limit {
				victim := p.victim(item.Priority)
				if victim == nil {
					break
				}
				heap.Remove(&p.q, victim.index)
				p.bytes -= victim.Size
				res.Shed = append(res.Shed, victim)
			}
			if p.bytes+item.Size <= limit {
				p.push(&item)
				p.mu.Unlock()
				p.reportShed(res.Shed)
				res.Accepted = true
				return res, nil
			}
		}

		if item.Priority != Urgent {
			p.mu.Unlock()
			res.Shed = append(res.Shed, &item)
			p.reportShed(res.Shed)
			return res, nil
		}

		// Urgent and no room: wait for a release.
		if deadline.IsZero() {
			deadline = started.Add(p.cfg.UrgentTimeout)
		}
		space := p.space
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 || item.Size > limit {
			p.reportShed(res.Shed)
			return res, &OverflowError{ItemID: item.ID, Priority: item.Priority, Waited: time.Since(started)}
		}
		timer := time.NewTimer(remaining)
		select {
		case <-space:
			timer.Stop()
		case <-timer.C:
			p.reportShed(res.Shed)
			return res, &OverflowError{ItemID: item.ID, Priority: item.Priority, Waited: time.Since(started)}
		case <-ctx.Done():
			timer.Stop()
			p.reportShed(res.Shed)
			return res, ctx.Err()
		}
	}
}

// push must be called with p.mu held.
func (p *Processor) push(it *Item) {
	p.nextSeq++
	it.seq = p.nextSeq
	heap.Push(&p.q, it)
	p.bytes += it.Size
	if p.observer != nil {
		p.observer.SetQueueBytes(p.bytes)
	}
}

// sheddable sums the sizes of items an incoming priority may displace.
// Must be called with p.mu held.
func (p *Processor) sheddable(incoming Priority) int {
	n := 0
	for _, it := range p.q {
		if it.Priority != Urgent && it.Priority <= incoming {
			n += it.Size
		}
	}
	return n
}

// victim returns the oldest item of the lowest priority present, provided
// it is not urgent and not above the incoming priority. Must be called with
// p.mu held.
func (p *Processor) victim(incoming Priority) *Item {
	var v *Item
	for _, it := range p.q {
		if it.Priority == Urgent || it.Priority > incoming {
			continue
		}
		if v == nil || it.Priority < v.Priority || (it.Priority == v.Priority && it.seq < v.seq) {
			v = it
		}
	}
	return v
}

func (p *Processor) reportShed(items []*Item) {
	if len(items) == 0 {
		return
	}
	counts := make(map[Priority]int)
	for _, it := range items {
		counts[it.Priority]++
	}
	for pr, n := range counts {
		p.logger.Warn("queue over memory bound, shedding items", "priority", pr.String(), "count", n)
		if p.observer != nil {
			p.observer.ObserveShed(pr, n)
		}
	}
}

// Ready reports whether a threshold has tripped.
func (p *Processor) Ready(now time.Time) (Trigger, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready(now)
}

func (p *Processor) ready(now time.Time) (Trigger, bool) {
	if len(p.q) == 0 {
		return "", false
	}
	var (
		changes  int
		conf     float64
		oldest   time.Time
		urgent   bool
		clusters = make(map[string]struct{})
	)
	for _, it := range p.q {
		changes += len(it.ChangeIDs)
		conf += it.Confidence
		if it.ClusterID != "" {
			clusters[it.ClusterID] = struct{}{}
		}
		if oldest.IsZero() || it.EnqueuedAt.Before(oldest) {
			oldest = it.EnqueuedAt
		}
		if it.Priority == Urgent {
			urgent = true
		}
	}
	t := p.cfg.Thresholds
	switch {
	case urgent:
		return TriggerUrgent, true
	case t.MaxChanges > 0 && changes >= t.MaxChanges:
		return TriggerCount, true
	case t.ConfidenceSum > 0 && conf >= t.ConfidenceSum:
		return TriggerConfidence, true
	case t.MaxClusters > 0 && len(clusters) >= t.MaxClusters:
		return TriggerClusters, true
	case t.TimeWindow > 0 && now.Sub(oldest) >= t.TimeWindow:
		return TriggerTime, true
	}
	return "", false
}

// Poll releases a batch if a threshold has tripped.
func (p *Processor) Poll(now time.Time) *Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	trigger, ok := p.ready(now)
	if !ok {
		return nil
	}
	return p.release(trigger)
}

// Release empties the queue into a batch regardless of thresholds.
// Returns nil when the queue is empty.
func (p *Processor) Release(trigger Trigger) *Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.release(trigger)
}

func (p *Processor) release(trigger Trigger) *Batch {
	if len(p.q) == 0 {
		return nil
	}
	b := &Batch{ID: uuid.NewString(), Trigger: trigger, ReleasedAt: p.now()}
	for len(p.q) > 0 {
		b.Items = append(b.Items, heap.Pop(&p.q).(*Item))
	}
	p.bytes = 0
	p.wake()
	if p.observer != nil {
		p.observer.SetQueueBytes(0)
		p.observer.ObserveRelease(string(trigger), len(b.ChangeIDs()))
	}
	p.logger.Debug("batch released", "batch_id", b.ID, "trigger", string(trigger), "items", len(b.Items))
	return b
}

// wake unblocks urgent waiters. Must be called with p.mu held.
func (p *Processor) wake() {
	close(p.space)
	p.space = make(chan struct{})
}

// Prune drops change ids for which keep returns false, removing items left
// empty. Used when changes are resolved outside a batch.
func (p *Processor) Prune(keep func(change.ID) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	var kept itemHeap
	p.bytes = 0
	for _, it := range p.q {
		ids := it.ChangeIDs[:0:0]
		for _, id := range it.ChangeIDs {
			if keep(id) {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			removed++
			continue
		}
		it.ChangeIDs = ids
		it.Size = estimateSize(it)
		p.bytes += it.Size
		kept = append(kept, it)
	}
	p.rebuild(kept, removed)
	return removed
}

// Retain drops the items keep rejects and returns the ids of the items
// still queued.
func (p *Processor) Retain(keep func(it *Item) bool) map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	queued := make(map[string]bool)
	removed := 0
	var kept itemHeap
	p.bytes = 0
	for _, it := range p.q {
		if !keep(it) {
			removed++
			continue
		}
		queued[it.ID] = true
		p.bytes += it.Size
		kept = append(kept, it)
	}
	p.rebuild(kept, removed)
	return queued
}

// rebuild installs a filtered queue. Must be called with p.mu held.
func (p *Processor) rebuild(kept itemHeap, removed int) {
	for i, it := range kept {
		it.index = i
	}
	p.q = kept
	heap.Init(&p.q)
	if removed > 0 {
		p.wake()
	}
	if p.observer != nil {
		p.observer.SetQueueBytes(p.bytes)
	}
}

// Len returns the number of queued items.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.q)
}

// Bytes returns the estimated queue size.
func (p *Processor) Bytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

// Items returns copies of queued items in release order.
func (p *Processor) Items() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make(itemHeap, len(p.q))
	for i, it := range p.q {
		c := *it
		c.ChangeIDs = append([]change.ID(nil), it.ChangeIDs...)
		cp[i] = &c
	}
	heap.Init(&cp)
	out := make([]Item, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, *heap.Pop(&cp).(*Item))
	}
	return out
}

// Restore re-queues persisted items in order, bypassing the byte bound.
func (p *Processor) Restore(items []Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range items {
		c := it
		if c.Size <= 0 {
			c.Size = estimateSize(&c)
		}
		p.push(&c)
	}
}
