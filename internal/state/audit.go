package state

import (
	"time"

	"changetrack/internal/change"
)

// Audit actions.
const (
	ActionIngest     = "ingest"
	ActionTransition = "transition"
	ActionConflict   = "conflict"
	ActionBulk       = "bulk"
	ActionRollback   = "rollback"
	ActionRecovered  = "recovered"
)

// AuditEntry is one committed state transition. Entries of a document are
// strictly ordered by Seq.
type AuditEntry struct {
	Seq       uint64      `json:"seq"`
	At        time.Time   `json:"at"`
	Actor     string      `json:"actor"`
	Action    string      `json:"action"`
	ChangeIDs []change.ID `json:"change_ids,omitempty"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	OpID      string      `json:"op_id,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// Trail is an append-only audit log. Not safe for concurrent use.
type Trail struct {
	entries []AuditEntry
	next    uint64
}

// NewTrail restores a trail from persisted entries.
func NewTrail(entries []AuditEntry) *Trail {
	t := &Trail{entries: append([]AuditEntry(nil), entries...)}
	for _, e := range entries {
		if e.Seq > t.next {
			t.next = e.Seq
		}
	}
	return t
}

// Append assigns the next sequence number and timestamp to e and stores it.
// Timestamps never go backward within a trail.
func (t *Trail) Append(e AuditEntry) AuditEntry {
	t.next++
	e.Seq = t.next
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if n := len(t.entries); n > 0 && e.At.Before(t.entries[n-1].At) {
		e.At = t.entries[n-1].At
	}
	t.entries = append(t.entries, e)
	return e
}

// Entries returns a copy of all entries.
func (t *Trail) Entries() []AuditEntry {
	return append([]AuditEntry(nil), t.entries...)
}

// Since returns entries with Seq greater than seq.
func (t *Trail) Since(seq uint64) []AuditEntry {
	for i, e := range t.entries {
		if e.Seq > seq {
			return append([]AuditEntry(nil), t.entries[i:]...)
		}
	}
	return nil
}

// Len returns the number of entries.
func (t *Trail) Len() int { return len(t.entries) }
