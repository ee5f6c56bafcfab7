package wal

import (
	"fmt"
	"time"
)

// Mutation is one replayable state change recovered from the log. Exactly
// one of Added, Status, Length or Bulk is set.
type Mutation struct {
	Seq    uint64
	Type   EntryType
	Added  *ChangeAddedPayload
	Status *StatusChangedPayload
	Length *DocumentLengthPayload

	// Bulk and Transitions describe a committed bulk frame.
	Bulk        *BulkBeginPayload
	Transitions []StatusChangedPayload
}

// Report is the result of scanning a log for replay.
type Report struct {
	RecoveredAt  time.Time
	Path         string
	FromSequence uint64
	LastSequence uint64
	Entries      int

	Mutations []Mutation

	// RolledBack lists bulk frames without a commit. None of their
	// transitions appear in Mutations.
	RolledBack []BulkBeginPayload

	// Orphaned counts bulk-tagged transitions outside any open frame.
	Orphaned int

	// Damage is set when the log tail failed verification and was cut off.
	Damage *Damage

	// CleanShutdown is true when the last session was closed and nothing
	// was written after it.
	CleanShutdown bool
	OpenSession   string

	LastHeartbeat *HeartbeatPayload
	LastSnapshot  *SnapshotPayload
}

// NeedsRecovery reports whether the log shows an unclean shutdown.
func (r *Report) NeedsRecovery() bool {
	return !r.CleanShutdown || r.Damage != nil || len(r.RolledBack) > 0
}

// RolledBackIDs returns the op ids of rolled back bulk frames.
func (r *Report) RolledBackIDs() []string {
	out := make([]string, len(r.RolledBack))
	for i, b := range r.RolledBack {
		out[i] = b.OpID
	}
	return out
}

type openBulk struct {
	begin BulkBeginPayload
	seq   uint64
	ts    []StatusChangedPayload
}

// Recover scans the log and returns the mutations with sequence greater than
// afterSeq, in order. Bulk frames are returned whole or not at all.
func Recover(l *Log, afterSeq uint64) (*Report, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}

	r := &Report{
		RecoveredAt:  time.Now(),
		Path:         l.Path(),
		FromSequence: afterSeq,
		Entries:      len(entries),
		Damage:       l.Damage(),
	}

	open := false
	var bulk *openBulk
	rollback := func() {
		if bulk != nil {
			r.RolledBack = append(r.RolledBack, bulk.begin)
			bulk = nil
		}
	}

	for i := range entries {
		e := &entries[i]
		r.LastSequence = e.Sequence

		switch e.Type {
		case EntrySessionStart:
			p, err := Decode[SessionPayload](e.Payload)
			if err != nil {
				return nil, entryError(e, err)
			}
			open = true
			r.OpenSession = p.SessionID
			continue
		case EntrySessionEnd:
			open = false
			r.OpenSession = ""
			continue
		case EntryHeartbeat:
			p, err := Decode[HeartbeatPayload](e.Payload)
			if err != nil {
				return nil, entryError(e, err)
			}
			r.LastHeartbeat = p
			continue
		case EntrySnapshot:
			p, err := Decode[SnapshotPayload](e.Payload)
			if err != nil {
				return nil, entryError(e, err)
			}
			r.LastSnapshot = p
			if p.SessionID != "" {
				open = true
				r.OpenSession = p.SessionID
			}
			continue
		}

		open = true
		if e.Sequence <= afterSeq {
			continue
		}

		switch e.Type {
		case EntryChangeAdded:
			rollback()
			p, err := Decode[ChangeAddedPayload](e.Payload)
			if err != nil {
				return nil, entryError(e, err)
			}
			if p.Change == nil {
				return nil, entryError(e, fmt.Errorf("missing change"))
			}
			r.Mutations = append(r.Mutations, Mutation{Seq: e.Sequence, Type: e.Type, Added: p})

		case EntryDocumentLength:
			rollback()
			p, err := Decode[DocumentLengthPayload](e.Payload)
			if err != nil {
				return nil, entryError(e, err)
			}
			r.Mutations = append(r.Mutations, Mutation{Seq: e.Sequence, Type: e.Type, Length: p})

		case EntryStatusChanged:
			p, err := Decode[StatusChangedPayload](e.Payload)
			if err != nil {
				return nil, entryError(e, err)
			}
			switch {
			case p.OpID == "":
				rollback()
				r.Mutations = append(r.Mutations, Mutation{Seq: e.Sequence, Type: e.Type, Status: p})
			case bulk != nil && bulk.begin.OpID == p.OpID:
				bulk.ts = append(bulk.ts, *p)
			default:
				r.Orphaned++
			}

		case EntryBulkBegin:
			rollback()
			p, err := Decode[BulkBeginPayload](e.Payload)
			if err != nil {
				return nil, entryError(e, err)
			}
			bulk = &openBulk{begin: *p, seq: e.Sequence}

		case EntryBulkCommit:
			p, err := Decode[BulkCommitPayload](e.Payload)
			if err != nil {
				return nil, entryError(e, err)
			}
			if bulk == nil || bulk.begin.OpID != p.OpID || len(bulk.ts) != p.Count {
				rollback()
				r.Orphaned++
				continue
			}
			b := bulk.begin
			r.Mutations = append(r.Mutations, Mutation{
				Seq:         bulk.seq,
				Type:        EntryBulkCommit,
				Bulk:        &b,
				Transitions: bulk.ts,
			})
			bulk = nil
		}
	}
	rollback()

	r.CleanShutdown = !open && r.Damage == nil
	return r, nil
}

func entryError(e *Entry, err error) error {
	return fmt.Errorf("wal: entry %d (%s): %w", e.Sequence, e.Type, err)
}
