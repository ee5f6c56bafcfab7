package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"changetrack/internal/config"
	"changetrack/internal/security"
	"changetrack/internal/state"
	"changetrack/internal/storage"
)

type migrateResult struct {
	DocumentID string `json:"document_id"`
	From       int    `json:"from"`
	To         int    `json:"to"`
	OldVersion uint64 `json:"old_state_version"`
	NewVersion uint64 `json:"new_state_version,omitempty"`
	UpToDate   bool   `json:"up_to_date,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
	Error      string `json:"error,omitempty"`
	// RawBytes is the size of the untouched snapshot when migration failed.
	RawBytes int `json:"raw_bytes,omitempty"`
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade stored snapshots or the config file",
	}
	cmd.AddCommand(newMigrateSnapshotsCmd(), newMigrateConfigCmd())
	return cmd
}

func newMigrateSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots [document-id...]",
		Short: "Store snapshots at the current schema version",
		Long: `Decode each document's newest snapshot through the migration chain and
store the result as a new state version. The original snapshot stays in
the document's history; it is never rewritten.

The engine migrates on load as well, so this is only needed to inspect or
prune old schema versions ahead of time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if len(args) == 0 && !all {
				return errors.New("name at least one document or pass --all")
			}

			c, err := setup(cmd)
			if err != nil {
				return err
			}
			defer c.close()

			lock, err := security.LockDir(c.cfg.Persistence.Dir)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			store, err := c.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if all {
				metas, err := store.List(ctx)
				if err != nil {
					return fmt.Errorf("list documents: %w", err)
				}
				for _, m := range metas {
					if !m.Archived {
						args = append(args, m.DocumentID)
					}
				}
			}

			results := make([]migrateResult, 0, len(args))
			failed := 0
			for _, id := range args {
				res := c.migrateSnapshot(ctx, store, id, dryRun)
				if res.Error != "" {
					failed++
				}
				results = append(results, res)
			}
			if err := c.emit(results, func(w io.Writer) { printMigrate(w, results) }); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d document(s) could not be migrated", failed)
			}
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "migrate every stored document")
	cmd.Flags().Bool("dry-run", false, "decode and validate without storing")
	return cmd
}

func (c *cli) migrateSnapshot(ctx context.Context, store storage.SnapshotStore, id string, dryRun bool) migrateResult {
	res := migrateResult{DocumentID: id, To: state.CurrentVersion, DryRun: dryRun}
	stored, err := store.Load(ctx, id)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OldVersion = stored.StateVersion

	from, _, err := state.Peek(stored.Data)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.From = from
	if from == state.CurrentVersion {
		res.UpToDate = true
		return res
	}

	snap, err := state.Decode(stored.Data)
	if err != nil {
		var me *state.MigrationError
		if errors.As(err, &me) {
			res.RawBytes = len(me.Raw)
		}
		res.Error = err.Error()
		return res
	}
	if dryRun {
		return res
	}

	snap.StateVersion = stored.StateVersion + 1
	data, err := state.Encode(snap)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	meta := stored.Meta
	meta.StateVersion = snap.StateVersion
	meta.SchemaVersion = state.CurrentVersion
	meta.Size = len(data)
	if err := store.Save(ctx, storage.Snapshot{Meta: meta, Data: data}); err != nil {
		res.Error = err.Error()
		return res
	}
	res.NewVersion = snap.StateVersion
	c.log().Info("snapshot migrated",
		"document_id", id,
		"from", from,
		"to", state.CurrentVersion,
		"state_version", snap.StateVersion)
	return res
}

func printMigrate(w io.Writer, results []migrateResult) {
	for _, r := range results {
		switch {
		case r.Error != "":
			fmt.Fprintf(w, "%s: FAILED: %s\n", r.DocumentID, r.Error)
		case r.UpToDate:
			fmt.Fprintf(w, "%s: already at schema %d\n", r.DocumentID, r.To)
		case r.DryRun:
			fmt.Fprintf(w, "%s: would migrate schema %d -> %d\n", r.DocumentID, r.From, r.To)
		default:
			fmt.Fprintf(w, "%s: schema %d -> %d, stored as state version %d (v%d kept)\n",
				r.DocumentID, r.From, r.To, r.NewVersion, r.OldVersion)
		}
	}
}

func newMigrateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Rewrite an outdated config file at the current version",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.ConfigPath()
			}
			m, err := config.MigrateFile(path)
			if err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			c := &cli{out: cmd.OutOrStdout(), json: jsonOut}
			return c.emit(m, func(w io.Writer) {
				if m == nil {
					fmt.Fprintf(w, "%s is already at version %d\n", path, config.Version)
					return
				}
				fmt.Fprintf(w, "Migrated %s from v%d to v%d\n", path, m.FromVersion, m.ToVersion)
				if m.Backup != "" {
					fmt.Fprintf(w, "Backup: %s\n", m.Backup)
				}
				for _, ch := range m.Changes {
					fmt.Fprintf(w, "  %s\n", ch)
				}
				for _, warn := range m.Warnings {
					fmt.Fprintf(w, "  warning: %s\n", warn)
				}
			})
		},
	}
}
