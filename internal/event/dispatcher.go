package event

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler receives events. Handlers run synchronously on the publishing
// goroutine and must not block.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription struct {
	id    uint64
	kinds []Kind
}

type entry struct {
	id uint64
	fn Handler
}

// Stats counts dispatcher activity.
type Stats struct {
	Published uint64
	Delivered uint64
	Panics    uint64
}

// Dispatcher fans events out to explicit subscriber lists.
type Dispatcher struct {
	mu     sync.RWMutex
	byKind map[Kind][]entry
	all    []entry
	nextID uint64
	logger *slog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	panics    atomic.Uint64
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		byKind: make(map[Kind][]entry),
		logger: logger.With("component", "event"),
	}
}

// Subscribe registers fn for the given kinds, or for every kind when none
// are given.
func (d *Dispatcher) Subscribe(fn Handler, kinds ...Kind) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	e := entry{id: d.nextID, fn: fn}
	if len(kinds) == 0 {
		d.all = append(d.all, e)
	}
	for _, k := range kinds {
		d.byKind[k] = append(d.byKind[k], e)
	}
	return Subscription{id: e.id, kinds: kinds}
}

// Unsubscribe removes a handler.
func (d *Dispatcher) Unsubscribe(s Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(s.kinds) == 0 {
		d.all = without(d.all, s.id)
		return
	}
	for _, k := range s.kinds {
		d.byKind[k] = without(d.byKind[k], s.id)
	}
}

func without(list []entry, id uint64) []entry {
	out := list[:0:0]
	for _, e := range list {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// Publish delivers ev to kind subscribers, then catch-all subscribers.
// A panicking handler is logged and skipped.
func (d *Dispatcher) Publish(ev Event) {
	if d == nil || ev == nil {
		return
	}
	d.mu.RLock()
	targets := make([]entry, 0, len(d.byKind[ev.Kind()])+len(d.all))
	targets = append(targets, d.byKind[ev.Kind()]...)
	targets = append(targets, d.all...)
	d.mu.RUnlock()

	d.published.Add(1)
	for _, t := range targets {
		d.deliver(t, ev)
	}
}

func (d *Dispatcher) deliver(t entry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("event handler panicked",
				"kind", ev.Kind().String(),
				"document_id", ev.DocumentID(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	t.fn(ev)
	d.delivered.Add(1)
}

// Emit publishes the result of an event constructor, logging construction
// errors instead of delivering a bad event. It takes the constructor's two
// results directly: d.Emit(NewChangeAdded(doc, c)).
func (d *Dispatcher) Emit(ev Event, err error) {
	if d == nil {
		return
	}
	if err != nil {
		d.logger.Warn("dropping invalid event", "error", err)
		return
	}
	d.Publish(ev)
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published: d.published.Load(),
		Delivered: d.delivered.Load(),
		Panics:    d.panics.Load(),
	}
}
