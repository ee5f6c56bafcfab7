package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"changetrack/internal/change"
	"changetrack/internal/state"
	"changetrack/internal/storage"
)

type documentRow struct {
	DocumentID    string    `json:"document_id"`
	StateVersion  uint64    `json:"state_version"`
	SchemaVersion int       `json:"schema_version"`
	LogSequence   uint64    `json:"log_sequence"`
	SavedAt       time.Time `json:"saved_at"`
	Size          int       `json:"size"`
	Archived      bool      `json:"archived,omitempty"`
}

func rowOf(m storage.Meta) documentRow {
	return documentRow{
		DocumentID:    m.DocumentID,
		StateVersion:  m.StateVersion,
		SchemaVersion: m.SchemaVersion,
		LogSequence:   m.LogSequence,
		SavedAt:       m.SavedAt,
		Size:          m.Size,
		Archived:      m.Archived,
	}
}

type inspectReport struct {
	documentRow
	MigratedFrom int                   `json:"migrated_from,omitempty"`
	Changes      int                   `json:"changes"`
	Packed       int                   `json:"packed"`
	ByStatus     map[change.Status]int `json:"by_status"`
	Clusters     int                   `json:"clusters"`
	QueueItems   int                   `json:"queue_items"`
	AuditEntries int                   `json:"audit_entries"`
	Sessions     []state.SessionRecord `json:"sessions"`
	History      []documentRow         `json:"history,omitempty"`
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [document-id]",
		Short: "Show stored snapshots",
		Long: `Without arguments, list every document with a stored snapshot.

With a document id, decode its newest snapshot (or the one selected with
--version) and summarize it. Snapshots from older schema versions are
migrated in memory only.`,
		Args: cobra.MaximumNArgs(1),
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

			if len(args) == 0 {
				return c.listDocuments(cmd.Context(), store)
			}
			version, _ := cmd.Flags().GetUint64("version")
			history, _ := cmd.Flags().GetBool("history")
			return c.inspectDocument(cmd.Context(), store, args[0], version, history)
		},
	}
	cmd.Flags().Uint64("version", 0, "state version to load instead of the newest")
	cmd.Flags().Bool("history", false, "also list every stored snapshot version")
	return cmd
}

func (c *cli) listDocuments(ctx context.Context, store storage.SnapshotStore) error {
	metas, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	rows := make([]documentRow, len(metas))
	for i, m := range metas {
		rows[i] = rowOf(m)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DocumentID < rows[j].DocumentID })

	return c.emit(rows, func(w io.Writer) {
		if len(rows) == 0 {
			fmt.Fprintln(w, "No stored documents.")
			return
		}
		fmt.Fprintf(w, "%-32s %-10s %-7s %-20s %s\n", "Document", "Version", "Schema", "Saved", "Size")
		fmt.Fprintln(w, strings.Repeat("-", 80))
		for _, r := range rows {
			name := r.DocumentID
			if r.Archived {
				name += " (archived)"
			}
			fmt.Fprintf(w, "%-32s %-10d %-7d %-20s %s\n",
				name, r.StateVersion, r.SchemaVersion, r.SavedAt.Local().Format("2006-01-02 15:04:05"), formatBytes(int64(r.Size)))
		}
	})
}

func (c *cli) inspectDocument(ctx context.Context, store storage.SnapshotStore, id string, version uint64, withHistory bool) error {
	var stored *storage.Snapshot
	var err error
	if version > 0 {
		stored, err = store.LoadVersion(ctx, id, version)
	} else {
		stored, err = store.Load(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("load snapshot of %s: %w", id, err)
	}
	snap, err := state.Decode(stored.Data)
	if err != nil {
		return fmt.Errorf("decode snapshot of %s: %w", id, err)
	}

	rep := inspectReport{
		documentRow:  rowOf(stored.Meta),
		MigratedFrom: snap.MigratedFrom,
		Changes:      len(snap.Changes),
		ByStatus:     make(map[change.Status]int),
		QueueItems:   len(snap.PendingBatch),
		AuditEntries: len(snap.Audit),
		Sessions:     snap.Sessions,
	}
	for _, r := range snap.Changes {
		rep.ByStatus[r.Status]++
		if r.Packed != nil {
			rep.Packed++
		}
	}
	if snap.Clusters != nil {
		rep.Clusters = len(snap.Clusters.Clusters)
	}
	if withHistory {
		metas, err := store.History(ctx, id)
		if err != nil {
			return fmt.Errorf("history of %s: %w", id, err)
		}
		for _, m := range metas {
			rep.History = append(rep.History, rowOf(m))
		}
	}

	return c.emit(rep, func(w io.Writer) {
		fmt.Fprintf(w, "=== %s ===\n", id)
		fmt.Fprintf(w, "State version:  %d\n", rep.StateVersion)
		schema := fmt.Sprintf("%d", rep.SchemaVersion)
		if rep.MigratedFrom != 0 {
			schema += fmt.Sprintf(" (needs migration to %d)", state.CurrentVersion)
		}
		fmt.Fprintf(w, "Schema:         %s\n", schema)
		fmt.Fprintf(w, "Log sequence:   %d\n", rep.LogSequence)
		fmt.Fprintf(w, "Saved:          %s\n", rep.SavedAt.Local().Format(time.RFC3339))
		fmt.Fprintf(w, "Size:           %s\n", formatBytes(int64(rep.Size)))
		fmt.Fprintln(w)

		fmt.Fprintf(w, "Changes: %d (%d packed)\n", rep.Changes, rep.Packed)
		for _, s := range []change.Status{change.Pending, change.Conflicted, change.Accepted, change.Rejected} {
			if n := rep.ByStatus[s]; n > 0 {
				fmt.Fprintf(w, "  %-12s %d\n", s, n)
			}
		}
		fmt.Fprintf(w, "Clusters:       %d\n", rep.Clusters)
		fmt.Fprintf(w, "Queued items:   %d\n", rep.QueueItems)
		fmt.Fprintf(w, "Audit entries:  %d\n", rep.AuditEntries)
		fmt.Fprintln(w)

		fmt.Fprintln(w, "Sessions:")
		for _, s := range rep.Sessions {
			end := "open"
			switch {
			case s.Recovered:
				end = "crashed"
			case s.EndedAt != nil:
				end = s.EndedAt.Local().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "  %s  %s -> %s  (%d operations)\n",
				s.ID, s.StartedAt.Local().Format(time.RFC3339), end, len(s.Operations))
		}

		if len(rep.History) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "History:")
			for _, h := range rep.History {
				fmt.Fprintf(w, "  v%-8d schema %d  %s  %s\n",
					h.StateVersion, h.SchemaVersion, h.SavedAt.Local().Format(time.RFC3339), formatBytes(int64(h.Size)))
			}
		}
	})
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
