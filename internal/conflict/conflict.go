// Package conflict detects overlapping pending changes.
//
// Two changes conflict when both are Pending and their ranges share at least
// one character. Detection is symmetric and independent of arrival order:
// the newcomer and every pending change it overlaps are reported together,
// and the caller marks all of them Conflicted. Identical proposals conflict
// too; deduplication is left to the reviewer.
package conflict

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"changetrack/internal/change"
)

// ErrUnresolved is the sentinel behind *Error.
var ErrUnresolved = errors.New("conflict: unresolved conflicting changes")

// Error reports changes that must be resolved before an operation can proceed.
type Error struct {
	ChangeIDs []change.ID
}

func (e *Error) Error() string {
	ids := make([]string, len(e.ChangeIDs))
	for i, id := range e.ChangeIDs {
		ids[i] = string(id)
	}
	return fmt.Sprintf("%v: %s", ErrUnresolved, strings.Join(ids, ", "))
}

func (e *Error) Unwrap() error { return ErrUnresolved }

// Set is one detection result: the change that triggered it and every
// pending change it overlaps.
type Set struct {
	Change change.ID   `json:"change"`
	With   []change.ID `json:"with"`
}

// Members returns every id in the set, trigger first.
func (s Set) Members() []change.ID {
	return append([]change.ID{s.Change}, s.With...)
}

// Empty reports whether nothing conflicted.
func (s Set) Empty() bool { return len(s.With) == 0 }

// Detector finds overlaps between a candidate and the pending set.
type Detector struct{}

// NewDetector returns a detector.
func NewDetector() *Detector { return &Detector{} }

// Check returns the pending changes that overlap c, in position order. c
// itself and non-Pending changes are ignored; c must be Pending to conflict.
func (d *Detector) Check(c *change.Change, pending []*change.Change) Set {
	set := Set{Change: c.ID}
	if c.Status != change.Pending {
		return set
	}
	var hits []*change.Change
	for _, p := range pending {
		if p.ID == c.ID || p.Status != change.Pending {
			continue
		}
		if c.Position.Overlaps(p.Position) {
			hits = append(hits, p)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Position.Start != hits[j].Position.Start {
			return hits[i].Position.Start < hits[j].Position.Start
		}
		return hits[i].Seq < hits[j].Seq
	})
	for _, h := range hits {
		set.With = append(set.With, h.ID)
	}
	return set
}

// Scan finds every overlapping pair among pending changes. It is used after
// recovery to rebuild conflict state from scratch; each change appears in at
// most one returned set, keyed by the earliest submitted member.
func (d *Detector) Scan(pending []*change.Change) []Set {
	sorted := make([]*change.Change, 0, len(pending))
	for _, p := range pending {
		if p.Status == change.Pending {
			sorted = append(sorted, p)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	claimed := make(map[change.ID]bool)
	var out []Set
	for i, a := range sorted {
		if claimed[a.ID] {
			continue
		}
		set := Set{Change: a.ID}
		for _, b := range sorted[i+1:] {
			if !claimed[b.ID] && a.Position.Overlaps(b.Position) {
				set.With = append(set.With, b.ID)
				claimed[b.ID] = true
			}
		}
		if !set.Empty() {
			claimed[a.ID] = true
			out = append(out, set)
		}
	}
	return out
}
