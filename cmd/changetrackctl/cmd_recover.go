package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"changetrack/internal/event"
	"changetrack/internal/session"
)

type recoverResult struct {
	DocumentID   string   `json:"document_id"`
	Recovered    bool     `json:"recovered"`
	Replayed     int      `json:"replayed"`
	RolledBack   []string `json:"rolled_back,omitempty"`
	TornTail     bool     `json:"torn_tail,omitempty"`
	Changes      int      `json:"changes"`
	StateVersion uint64   `json:"state_version"`
	Error        string   `json:"error,omitempty"`
}

func newRecoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover [document-id...]",
		Short: "Replay change logs into fresh snapshots",
		Long: `Open each document the way the engine does on startup: load the newest
snapshot, replay the change log after it, roll back unfinished bulk
operations, then write a new snapshot and close cleanly.

Clean documents are opened and closed too, which records one empty
session in their history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if len(args) == 0 && !all {
				return errors.New("name at least one document or pass --all")
			}

			c, err := setup(cmd)
			if err != nil {
				return err
			}
			defer c.close()

			results, err := c.recover(cmd.Context(), args, all)
			if err != nil {
				return err
			}
			if err := c.emit(results, func(w io.Writer) { printRecover(w, results) }); err != nil {
				return err
			}
			for _, r := range results {
				if r.Error != "" {
					return fmt.Errorf("recovery failed for %s", r.DocumentID)
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "recover every stored document")
	return cmd
}

func (c *cli) recover(ctx context.Context, ids []string, all bool) ([]recoverResult, error) {
	logger := c.logger.WithComponent("recover")

	var mu sync.Mutex
	recovered := make(map[string]event.Recovered)
	events := event.NewDispatcher(logger)
	events.Subscribe(func(ev event.Event) {
		if r, ok := ev.(event.Recovered); ok {
			mu.Lock()
			recovered[r.DocumentID()] = r
			mu.Unlock()
		}
	}, event.KindRecovered)

	store, err := c.openStore()
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if all {
		metas, err := store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		for _, m := range metas {
			if !m.Archived {
				ids = append(ids, m.DocumentID)
			}
		}
	}

	coord, err := session.New(session.Options{
		Config: c.cfg,
		Store:  store,
		Logger: logger,
		Events: events,
	})
	if err != nil {
		return nil, err
	}
	defer coord.Shutdown(context.Background())

	results := make([]recoverResult, 0, len(ids))
	for _, id := range ids {
		res := recoverResult{DocumentID: id}
		d, err := coord.Open(ctx, id, session.OpenOptions{})
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		st := d.Stats()
		res.Changes = st.Total
		res.StateVersion = st.StateVersion
		if err := coord.Close(ctx, id); err != nil {
			res.Error = err.Error()
		}

		mu.Lock()
		if r, ok := recovered[id]; ok {
			res.Recovered = true
			res.Replayed = r.Replayed
			res.RolledBack = r.RolledBack
			res.TornTail = r.TornTail
		}
		mu.Unlock()
		results = append(results, res)
	}
	return results, nil
}

func printRecover(w io.Writer, results []recoverResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No documents to recover.")
		return
	}
	for _, r := range results {
		switch {
		case r.Error != "":
			fmt.Fprintf(w, "%s: FAILED: %s\n", r.DocumentID, r.Error)
		case !r.Recovered:
			fmt.Fprintf(w, "%s: clean, %d change(s) at state version %d\n", r.DocumentID, r.Changes, r.StateVersion)
		default:
			fmt.Fprintf(w, "%s: replayed %d mutation(s), %d change(s) at state version %d\n",
				r.DocumentID, r.Replayed, r.Changes, r.StateVersion)
			if len(r.RolledBack) > 0 {
				fmt.Fprintf(w, "  rolled back bulk operations: %v\n", r.RolledBack)
			}
			if r.TornTail {
				fmt.Fprintln(w, "  a torn log tail was discarded")
			}
		}
	}
}
