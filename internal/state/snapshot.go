// Package state defines the persisted form of a document's tracking state:
// the versioned snapshot document, its schema and migration chain, the audit
// trail and the adaptive compression used for terminal changes.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"changetrack/internal/batch"
	"changetrack/internal/change"
	"changetrack/internal/cluster"
)

// CurrentVersion is the snapshot schema version written by Encode.
const CurrentVersion = 3

// ErrInvalidSnapshot is returned for snapshots that fail decoding or
// schema validation.
var ErrInvalidSnapshot = errors.New("state: invalid snapshot")

// ChangeRecord is the persisted form of a change.Record. Exactly one of
// Change or Packed is set.
type ChangeRecord struct {
	ID       change.ID       `json:"id"`
	Status   change.Status   `json:"status"`
	Position change.Position `json:"position"`
	Seq      uint64          `json:"seq"`
	Change   *change.Change  `json:"change,omitempty"`
	Packed   *change.Packed  `json:"packed,omitempty"`
}

// SessionRecord is the persisted form of an editing session.
type SessionRecord struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	Operations []string      `json:"operations,omitempty"`
	Conflicts  [][]change.ID `json:"conflicts,omitempty"`
	Recovered  bool          `json:"recovered,omitempty"`
}

// Snapshot is a full serialized copy of a document's tracking state.
type Snapshot struct {
	SchemaVersion  int               `json:"schema_version"`
	DocumentID     string            `json:"document_id"`
	StateVersion   uint64            `json:"state_version"`
	LogSequence    uint64            `json:"log_sequence"`
	TakenAt        time.Time         `json:"taken_at"`
	DocumentLength uint32            `json:"document_length"`
	NextSeq        uint64            `json:"next_seq"`
	Changes        []ChangeRecord    `json:"changes"`
	Clusters       *cluster.Snapshot `json:"clusters,omitempty"`
	PendingBatch   []batch.Item      `json:"pending_batch,omitempty"`
	Audit          []AuditEntry      `json:"audit"`
	Sessions       []SessionRecord   `json:"sessions,omitempty"`

	// MigratedFrom is the schema version the snapshot was stored at when it
	// had to be migrated on load, or zero.
	MigratedFrom int `json:"-"`
}

// FromRecords converts store records to their persisted form.
func FromRecords(rs []change.Record) []ChangeRecord {
	out := make([]ChangeRecord, len(rs))
	for i, r := range rs {
		out[i] = ChangeRecord{
			ID:       r.ID,
			Status:   r.Status,
			Position: r.Position,
			Seq:      r.Seq,
			Change:   r.Change,
			Packed:   r.Packed,
		}
	}
	return out
}

// Records converts persisted changes back to store records.
func (s *Snapshot) Records() []change.Record {
	out := make([]change.Record, len(s.Changes))
	for i, r := range s.Changes {
		out[i] = change.Record{
			ID:       r.ID,
			Status:   r.Status,
			Position: r.Position,
			Seq:      r.Seq,
			Change:   r.Change,
			Packed:   r.Packed,
		}
	}
	return out
}

// Encode serializes a snapshot at the current schema version.
func Encode(s *Snapshot) ([]byte, error) {
	if s.DocumentID == "" {
		return nil, fmt.Errorf("%w: empty document id", ErrInvalidSnapshot)
	}
	cp := *s
	cp.SchemaVersion = CurrentVersion
	if cp.Changes == nil {
		cp.Changes = []ChangeRecord{}
	}
	if cp.Audit == nil {
		cp.Audit = []AuditEntry{}
	}
	return json.Marshal(&cp)
}

// Decode parses a stored snapshot, migrating older schema versions and
// validating the result. The input bytes are never modified; on migration
// failure they are returned in the MigrationError for read-only inspection.
func Decode(raw []byte) (*Snapshot, error) {
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}

	from, err := documentVersion(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := Migrate(doc, from, CurrentVersion); err != nil {
		var me *MigrationError
		if errors.As(err, &me) {
			me.Raw = raw
		}
		return nil, err
	}

	if err := ValidateDocument(doc); err != nil {
		if from != CurrentVersion {
			return nil, &MigrationError{From: from, To: CurrentVersion, Err: err, Raw: raw}
		}
		return nil, err
	}

	migrated, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	var s Snapshot
	if err := json.Unmarshal(migrated, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if from != CurrentVersion {
		s.MigratedFrom = from
	}
	return &s, nil
}

// Peek reads the schema version and document id without migrating.
func Peek(raw []byte) (version int, documentID string, err error) {
	doc, err := decodeDocument(raw)
	if err != nil {
		return 0, "", err
	}
	version, err = documentVersion(doc)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	id, _ := doc["document_id"].(string)
	return version, id, nil
}

func decodeDocument(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidSnapshot)
	}
	return doc, nil
}

// documentVersion returns schema_version, treating a missing field as 1.
func documentVersion(doc map[string]any) (int, error) {
	v, ok := doc["schema_version"]
	if !ok {
		return 1, nil
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("schema_version is %T", v)
	}
	i, err := n.Int64()
	if err != nil || i < 1 {
		return 0, fmt.Errorf("schema_version %q", n.String())
	}
	return int(i), nil
}
