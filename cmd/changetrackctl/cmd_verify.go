package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"changetrack/internal/session"
	"changetrack/internal/state"
	"changetrack/internal/storage"
	"changetrack/internal/wal"
)

var errVerifyFailed = errors.New("verification failed")

type verifyReport struct {
	DocumentID string `json:"document_id"`

	Snapshot      bool   `json:"snapshot"`
	StateVersion  uint64 `json:"state_version,omitempty"`
	SchemaVersion int    `json:"schema_version,omitempty"`
	SnapshotError string `json:"snapshot_error,omitempty"`

	Log            bool       `json:"log"`
	LogPath        string     `json:"log_path"`
	LogError       string     `json:"log_error,omitempty"`
	Entries        int        `json:"entries"`
	BaseSequence   uint64     `json:"base_sequence"`
	LastSequence   uint64     `json:"last_sequence"`
	TornAt         *uint64    `json:"torn_at,omitempty"`
	CleanShutdown  bool       `json:"clean_shutdown"`
	Unapplied      int        `json:"unapplied"`
	RolledBack     []string   `json:"rolled_back,omitempty"`
	Orphaned       int        `json:"orphaned,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	NeedsRecovery  bool       `json:"needs_recovery"`
	SnapshotBehind bool       `json:"snapshot_behind,omitempty"`
}

func (r *verifyReport) ok() bool {
	return r.SnapshotError == "" && r.LogError == "" && r.TornAt == nil
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <document-id>",
		Short: "Check a document's snapshot and change log",
		Long: `Decode the newest snapshot and verify every change log frame (CRC and
HMAC chain) without modifying anything.

Reports what a recovery would replay or roll back. Exits non-zero when the
snapshot cannot be decoded or the log is damaged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(cmd)
			if err != nil {
				return err
			}
			defer c.close()

			store, err := c.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rep, err := c.verify(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			if err := c.emit(rep, func(w io.Writer) { printVerify(w, rep) }); err != nil {
				return err
			}
			if !rep.ok() {
				return errVerifyFailed
			}
			return nil
		},
	}
}

func (c *cli) verify(ctx context.Context, store storage.SnapshotStore, id string) (*verifyReport, error) {
	rep := &verifyReport{
		DocumentID: id,
		LogPath:    session.LogPath(c.cfg.Persistence.Dir, id),
	}

	var afterSeq uint64
	stored, err := store.Load(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrArchived):
	case err != nil:
		return nil, fmt.Errorf("load snapshot of %s: %w", id, err)
	default:
		rep.Snapshot = true
		rep.StateVersion = stored.StateVersion
		rep.SchemaVersion = stored.SchemaVersion
		if _, err := state.Decode(stored.Data); err != nil {
			rep.SnapshotError = err.Error()
		}
		afterSeq = stored.LogSequence
	}

	if !wal.Exists(rep.LogPath) {
		return rep, nil
	}
	rep.Log = true

	master, err := session.MasterKey(c.cfg.Persistence)
	if err != nil {
		return nil, err
	}
	key, err := wal.DeriveKey(master, id)
	if err != nil {
		return nil, err
	}
	l, err := wal.Open(rep.LogPath, id, key, wal.ReadOnly())
	if err != nil {
		rep.LogError = err.Error()
		return rep, nil
	}
	defer l.Close()

	rep.BaseSequence = l.BaseSequence()
	rep.LastSequence = l.LastSequence()
	if d := l.Damage(); d != nil {
		seq := d.Sequence
		rep.TornAt = &seq
		c.log().Warn("change log damaged", "document_id", id, "offset", d.Offset, "error", d.Err)
	}

	report, err := wal.Recover(l, afterSeq)
	if err != nil {
		rep.LogError = err.Error()
		return rep, nil
	}
	rep.Entries = report.Entries
	rep.CleanShutdown = report.CleanShutdown
	rep.Unapplied = len(report.Mutations)
	rep.RolledBack = report.RolledBackIDs()
	rep.Orphaned = report.Orphaned
	rep.NeedsRecovery = report.NeedsRecovery()
	rep.SnapshotBehind = rep.Snapshot && rep.LastSequence < afterSeq
	if hb := report.LastHeartbeat; hb != nil {
		at := hb.At
		rep.LastHeartbeat = &at
	}
	return rep, nil
}

func printVerify(w io.Writer, rep *verifyReport) {
	fmt.Fprintf(w, "=== %s ===\n", rep.DocumentID)

	fmt.Fprintln(w, "Snapshot:")
	switch {
	case !rep.Snapshot:
		fmt.Fprintln(w, "  none stored")
	case rep.SnapshotError != "":
		fmt.Fprintf(w, "  FAILED: %s\n", rep.SnapshotError)
	default:
		fmt.Fprintf(w, "  OK (state version %d, schema %d)\n", rep.StateVersion, rep.SchemaVersion)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Change log: %s\n", rep.LogPath)
	switch {
	case !rep.Log:
		fmt.Fprintln(w, "  not present")
		return
	case rep.LogError != "":
		fmt.Fprintf(w, "  FAILED: %s\n", rep.LogError)
		return
	}
	fmt.Fprintf(w, "  Entries:         %d (sequence %d..%d)\n", rep.Entries, rep.BaseSequence+1, rep.LastSequence)
	if rep.TornAt != nil {
		fmt.Fprintf(w, "  DAMAGED after sequence %d\n", *rep.TornAt)
	}
	fmt.Fprintf(w, "  Clean shutdown:  %v\n", rep.CleanShutdown)
	fmt.Fprintf(w, "  Unapplied:       %d mutation(s)\n", rep.Unapplied)
	if len(rep.RolledBack) > 0 {
		fmt.Fprintf(w, "  Rolled back:     %v\n", rep.RolledBack)
	}
	if rep.Orphaned > 0 {
		fmt.Fprintf(w, "  Orphaned:        %d\n", rep.Orphaned)
	}
	if rep.LastHeartbeat != nil {
		fmt.Fprintf(w, "  Last heartbeat:  %s\n", rep.LastHeartbeat.Local().Format(time.RFC3339))
	}
	if rep.SnapshotBehind {
		fmt.Fprintln(w, "  Log is behind the snapshot")
	}
	if rep.NeedsRecovery {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Run 'changetrackctl recover %s' to replay the log.\n", rep.DocumentID)
	}
}
