// Package change defines the tracked edit model and the per-document change store.
//
// A Change is one proposed edit to a document: an insert, delete, or replace
// over a character range, attributed to a source (manual typing or one of the
// AI edit families). Changes move through a small status machine:
//
//	Pending -> Accepted | Rejected | Conflicted
//	Conflicted -> Accepted | Rejected
//
// Accepted and Rejected are terminal.
package change

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ID uniquely identifies a change within a document.
type ID string

// Type is the kind of edit a change performs.
type Type uint8

const (
	Insert Type = iota + 1
	Delete
	Replace
)

// String returns the wire name of the change type.
func (t Type) String() string {
	switch t {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case Replace:
		return "replace"
	default:
		return "unknown"
	}
}

// ParseType parses a change type name.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "insert":
		return Insert, nil
	case "delete":
		return Delete, nil
	case "replace":
		return Replace, nil
	default:
		return 0, fmt.Errorf("change: unknown type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if t < Insert || t > Replace {
		return nil, fmt.Errorf("change: invalid type %d", t)
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Source tags where a change came from. The set is open: unknown sources are
// carried through and scored with the manual defaults.
type Source string

const (
	SourceManual      Source = "manual"
	SourceAIGrammar   Source = "ai-grammar"
	SourceAIStyle     Source = "ai-style"
	SourceAIContent   Source = "ai-content"
	SourceAIStructure Source = "ai-structure"
)

// IsAI reports whether the source is one of the AI edit families.
func (s Source) IsAI() bool {
	return strings.HasPrefix(string(s), "ai-")
}

// Status is the review state of a change.
type Status uint8

const (
	Pending Status = iota
	Accepted
	Rejected
	Conflicted
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Conflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "pending":
		return Pending, nil
	case "accepted":
		return Accepted, nil
	case "rejected":
		return Rejected, nil
	case "conflicted":
		return Conflicted, nil
	default:
		return 0, fmt.Errorf("change: unknown status %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if s > Conflicted {
		return nil, fmt.Errorf("change: invalid status %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Accepted || s == Rejected
}

// ErrInvalidTransition is returned for any status move outside the state machine.
var ErrInvalidTransition = errors.New("change: invalid status transition")

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	switch from {
	case Pending:
		return to == Accepted || to == Rejected || to == Conflicted
	case Conflicted:
		return to == Accepted || to == Rejected
	default:
		return false
	}
}

// Position is a half-open character range [Start, End) in the document.
type Position struct {
	Start uint32 `json:"start" cbor:"start"`
	End   uint32 `json:"end" cbor:"end"`
}

// Len returns the width of the range.
func (p Position) Len() uint32 {
	if p.End < p.Start {
		return 0
	}
	return p.End - p.Start
}

// Overlaps reports whether two ranges share at least one character.
// Ranges that merely touch do not overlap.
func (p Position) Overlaps(o Position) bool {
	return !(p.End <= o.Start || o.End <= p.Start)
}

// Content holds the text before and after the edit.
type Content struct {
	Before string `json:"before,omitempty" cbor:"before,omitempty"`
	After  string `json:"after,omitempty" cbor:"after,omitempty"`
}

// Change is a single tracked edit.
type Change struct {
	ID         ID                `json:"id" cbor:"id"`
	DocumentID string            `json:"document_id" cbor:"document_id"`
	Type       Type              `json:"type" cbor:"type"`
	Source     Source            `json:"source" cbor:"source"`
	Confidence float64           `json:"confidence" cbor:"confidence"`
	Category   string            `json:"category" cbor:"category"`
	Content    Content           `json:"content" cbor:"content"`
	Position   Position          `json:"position" cbor:"position"`
	Status     Status            `json:"status" cbor:"status"`
	Metadata   map[string]string `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp" cbor:"timestamp"`

	// Seq is the submission order within the document. It breaks ties when
	// changes share a position.
	Seq uint64 `json:"seq" cbor:"seq"`
}

// Transition moves the change to a new status.
func (c *Change) Transition(to Status) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s (change %s)", ErrInvalidTransition, c.Status, to, c.ID)
	}
	c.Status = to
	return nil
}

// Clone returns a deep copy.
func (c *Change) Clone() *Change {
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Severity returns how disruptive the change is, used by review policies.
func (c *Change) Severity() Severity {
	if s, ok := c.Metadata["severity"]; ok {
		if v, err := ParseSeverity(s); err == nil {
			return v
		}
	}
	return SeverityForCategory(c.Category)
}
