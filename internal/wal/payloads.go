package wal

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"changetrack/internal/change"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic(fmt.Sprintf("wal: cbor enc mode: %v", err))
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(fmt.Sprintf("wal: cbor dec mode: %v", err))
	}
}

// ChangeAddedPayload records an ingested change and the pending changes it
// conflicted with. Replay marks the change and every listed id Conflicted.
type ChangeAddedPayload struct {
	Change    *change.Change `cbor:"change"`
	Conflicts []change.ID    `cbor:"conflicts,omitempty"`
	Actor     string         `cbor:"actor,omitempty"`
}

// StatusChangedPayload records one transition. OpID ties it to a bulk frame.
type StatusChangedPayload struct {
	ChangeID change.ID     `cbor:"change_id"`
	From     change.Status `cbor:"from"`
	To       change.Status `cbor:"to"`
	Actor    string        `cbor:"actor,omitempty"`
	OpID     string        `cbor:"op_id,omitempty"`
}

// BulkBeginPayload opens a bulk frame.
type BulkBeginPayload struct {
	OpID      string `cbor:"op_id"`
	Kind      string `cbor:"kind"`
	Actor     string `cbor:"actor,omitempty"`
	ClusterID string `cbor:"cluster_id,omitempty"`
	Count     int    `cbor:"count"`
}

// BulkCommitPayload closes a bulk frame.
type BulkCommitPayload struct {
	OpID  string `cbor:"op_id"`
	Count int    `cbor:"count"`
}

// HeartbeatPayload marks the last known-good point.
type HeartbeatPayload struct {
	At           time.Time `cbor:"at"`
	StateVersion uint64    `cbor:"state_version"`
	Changes      int       `cbor:"changes"`
}

// SessionPayload is used by SessionStart and SessionEnd.
type SessionPayload struct {
	SessionID string    `cbor:"session_id"`
	At        time.Time `cbor:"at"`
}

// SnapshotPayload records that a snapshot covering the log through
// LogSequence was saved.
type SnapshotPayload struct {
	StateVersion uint64 `cbor:"state_version"`
	LogSequence  uint64 `cbor:"log_sequence"`

	// SessionID names the session still open when the snapshot was taken.
	// Compaction may drop its SessionStart.
	SessionID string `cbor:"session_id,omitempty"`
}

// DocumentLengthPayload records a document length update.
type DocumentLengthPayload struct {
	Length uint32 `cbor:"length"`
}

// Encode serializes a payload.
func Encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// Decode parses a payload into T.
func Decode[T any](b []byte) (*T, error) {
	var v T
	if err := decMode.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return &v, nil
}

// MustRecord builds a Record from a payload. Encoding only fails for
// unsupported types, which is a programming error.
func MustRecord(t EntryType, v any) Record {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return Record{Type: t, Payload: b}
}
