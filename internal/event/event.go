// Package event carries typed notifications out of the tracking engine.
//
// Every event kind is its own struct. Constructors validate the payload, so a
// subscriber never sees a half-filled event. Delivery goes through a
// Dispatcher owned by the coordinator; there is no package-level bus.
package event

import (
	"errors"
	"fmt"
	"time"

	"changetrack/internal/batch"
	"changetrack/internal/change"
	"changetrack/internal/cluster"
	"changetrack/internal/conflict"
)

// Kind identifies an event type.
type Kind uint8

const (
	KindChangeAdded Kind = iota + 1
	KindStatusChanged
	KindClustersUpdated
	KindConflictDetected
	KindBatchReleased
	KindBatchShed
	KindPersistenceDegraded
	KindPersistenceRestored
	KindBackgroundFailed
	KindRecovered
)

func (k Kind) String() string {
	switch k {
	case KindChangeAdded:
		return "change_added"
	case KindStatusChanged:
		return "status_changed"
	case KindClustersUpdated:
		return "clusters_updated"
	case KindConflictDetected:
		return "conflict_detected"
	case KindBatchReleased:
		return "batch_released"
	case KindBatchShed:
		return "batch_shed"
	case KindPersistenceDegraded:
		return "persistence_degraded"
	case KindPersistenceRestored:
		return "persistence_restored"
	case KindBackgroundFailed:
		return "background_failed"
	case KindRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// ErrInvalid is returned by constructors for incomplete payloads.
var ErrInvalid = errors.New("event: invalid payload")

// Event is implemented by every event struct.
type Event interface {
	Kind() Kind
	DocumentID() string
	At() time.Time
}

// Header is embedded in every event.
type Header struct {
	Doc  string
	Time time.Time
}

func (h Header) DocumentID() string { return h.Doc }
func (h Header) At() time.Time      { return h.Time }

func header(doc string) (Header, error) {
	if doc == "" {
		return Header{}, fmt.Errorf("%w: empty document id", ErrInvalid)
	}
	return Header{Doc: doc, Time: time.Now()}, nil
}

// ChangeAdded is published after a change is stored.
type ChangeAdded struct {
	Header
	Change change.Change
}

func (ChangeAdded) Kind() Kind { return KindChangeAdded }

// NewChangeAdded builds a ChangeAdded event.
func NewChangeAdded(doc string, c *change.Change) (ChangeAdded, error) {
	h, err := header(doc)
	if err != nil {
		return ChangeAdded{}, err
	}
	if c == nil || c.ID == "" {
		return ChangeAdded{}, fmt.Errorf("%w: change without id", ErrInvalid)
	}
	return ChangeAdded{Header: h, Change: *c.Clone()}, nil
}

// StatusChanged is published for every applied transition. OpID is set when
// the transition was part of a bulk operation.
type StatusChanged struct {
	Header
	ChangeID change.ID
	Source   change.Source
	From     change.Status
	To       change.Status
	Actor    string
	OpID     string
}

func (StatusChanged) Kind() Kind { return KindStatusChanged }

// NewStatusChanged builds a StatusChanged event.
func NewStatusChanged(doc string, id change.ID, src change.Source, from, to change.Status, actor, opID string) (StatusChanged, error) {
	h, err := header(doc)
	if err != nil {
		return StatusChanged{}, err
	}
	if id == "" {
		return StatusChanged{}, fmt.Errorf("%w: empty change id", ErrInvalid)
	}
	if !change.CanTransition(from, to) {
		return StatusChanged{}, fmt.Errorf("%w: %s -> %s is not a transition", ErrInvalid, from, to)
	}
	return StatusChanged{Header: h, ChangeID: id, Source: src, From: from, To: to, Actor: actor, OpID: opID}, nil
}

// ClustersUpdated is published when a new clustering snapshot is installed.
type ClustersUpdated struct {
	Header
	Snapshot *cluster.Snapshot
}

func (ClustersUpdated) Kind() Kind { return KindClustersUpdated }

// NewClustersUpdated builds a ClustersUpdated event.
func NewClustersUpdated(doc string, snap *cluster.Snapshot) (ClustersUpdated, error) {
	h, err := header(doc)
	if err != nil {
		return ClustersUpdated{}, err
	}
	if snap == nil {
		return ClustersUpdated{}, fmt.Errorf("%w: nil snapshot", ErrInvalid)
	}
	return ClustersUpdated{Header: h, Snapshot: snap}, nil
}

// ConflictDetected is published when a new change overlaps pending ones.
type ConflictDetected struct {
	Header
	Set conflict.Set
}

func (ConflictDetected) Kind() Kind { return KindConflictDetected }

// NewConflictDetected builds a ConflictDetected event.
func NewConflictDetected(doc string, set conflict.Set) (ConflictDetected, error) {
	h, err := header(doc)
	if err != nil {
		return ConflictDetected{}, err
	}
	if set.Empty() {
		return ConflictDetected{}, fmt.Errorf("%w: empty conflict set", ErrInvalid)
	}
	return ConflictDetected{Header: h, Set: set}, nil
}

// BatchReleased is published when a batch trips a threshold or is flushed.
// Review lists the changes left for a human after policy acceptance.
type BatchReleased struct {
	Header
	Batch        *batch.Batch
	AutoAccepted []change.ID
	Review       []change.ID
}

func (BatchReleased) Kind() Kind { return KindBatchReleased }

// NewBatchReleased builds a BatchReleased event.
func NewBatchReleased(doc string, b *batch.Batch, accepted, review []change.ID) (BatchReleased, error) {
	h, err := header(doc)
	if err != nil {
		return BatchReleased{}, err
	}
	if b == nil {
		return BatchReleased{}, fmt.Errorf("%w: nil batch", ErrInvalid)
	}
	return BatchReleased{Header: h, Batch: b, AutoAccepted: accepted, Review: review}, nil
}

// BatchShed warns that queue entries were dropped under memory pressure.
type BatchShed struct {
	Header
	Items []*batch.Item
}

func (BatchShed) Kind() Kind { return KindBatchShed }

// NewBatchShed builds a BatchShed event.
func NewBatchShed(doc string, items []*batch.Item) (BatchShed, error) {
	h, err := header(doc)
	if err != nil {
		return BatchShed{}, err
	}
	if len(items) == 0 {
		return BatchShed{}, fmt.Errorf("%w: nothing shed", ErrInvalid)
	}
	return BatchShed{Header: h, Items: items}, nil
}

// PersistenceDegraded is published when writes keep failing and the
// document continues in memory only.
type PersistenceDegraded struct {
	Header
	Err error
}

func (PersistenceDegraded) Kind() Kind { return KindPersistenceDegraded }

// NewPersistenceDegraded builds a PersistenceDegraded event.
func NewPersistenceDegraded(doc string, cause error) (PersistenceDegraded, error) {
	h, err := header(doc)
	if err != nil {
		return PersistenceDegraded{}, err
	}
	if cause == nil {
		return PersistenceDegraded{}, fmt.Errorf("%w: no cause", ErrInvalid)
	}
	return PersistenceDegraded{Header: h, Err: cause}, nil
}

// PersistenceRestored is published when a degraded document is durable again.
type PersistenceRestored struct {
	Header
}

func (PersistenceRestored) Kind() Kind { return KindPersistenceRestored }

// NewPersistenceRestored builds a PersistenceRestored event.
func NewPersistenceRestored(doc string) (PersistenceRestored, error) {
	h, err := header(doc)
	return PersistenceRestored{Header: h}, err
}

// BackgroundFailed reports an error from background work.
type BackgroundFailed struct {
	Header
	Task string
	Err  error
}

func (BackgroundFailed) Kind() Kind { return KindBackgroundFailed }

// NewBackgroundFailed builds a BackgroundFailed event.
func NewBackgroundFailed(doc, task string, cause error) (BackgroundFailed, error) {
	h, err := header(doc)
	if err != nil {
		return BackgroundFailed{}, err
	}
	if task == "" || cause == nil {
		return BackgroundFailed{}, fmt.Errorf("%w: task and cause required", ErrInvalid)
	}
	return BackgroundFailed{Header: h, Task: task, Err: cause}, nil
}

// Recovered is published after a document was rebuilt from its change log.
type Recovered struct {
	Header
	Replayed   int
	RolledBack []string
	TornTail   bool
}

func (Recovered) Kind() Kind { return KindRecovered }

// NewRecovered builds a Recovered event.
func NewRecovered(doc string, replayed int, rolledBack []string, torn bool) (Recovered, error) {
	h, err := header(doc)
	if err != nil {
		return Recovered{}, err
	}
	return Recovered{Header: h, Replayed: replayed, RolledBack: rolledBack, TornTail: torn}, nil
}
