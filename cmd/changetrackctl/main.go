// changetrackctl inspects and repairs persisted change-tracking state.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"changetrack/internal/config"
	"changetrack/internal/logging"
	"changetrack/internal/session"
	"changetrack/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "changetrackctl",
		Short: "Inspect and repair persisted change-tracking state",
		Long: `changetrackctl works on the snapshots and change logs that the change
tracking engine writes to its persistence directory.

Commands that write (recover, migrate snapshots) take the directory lock
and refuse to run while an engine holds it.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "path to config file")
	root.PersistentFlags().String("dir", "", "persistence directory (overrides config)")
	root.PersistentFlags().Bool("json", false, "output as JSON")

	root.AddCommand(
		newInspectCmd(),
		newVerifyCmd(),
		newRecoverCmd(),
		newMigrateCmd(),
	)
	return root
}

// cli is the state shared by every subcommand.
type cli struct {
	cfg    *config.Config
	logger *logging.Logger
	out    io.Writer
	json   bool
}

func setup(cmd *cobra.Command) (*cli, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.Persistence.Dir = dir
	}
	cfg.Persistence.Enabled = true

	lc, err := session.LoggingConfig(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	lc.Writer = cmd.ErrOrStderr()
	lc.Component = "changetrackctl"
	logger, err := logging.New(lc)
	if err != nil {
		return nil, err
	}

	jsonOut, _ := cmd.Flags().GetBool("json")
	return &cli{cfg: cfg, logger: logger, out: cmd.OutOrStdout(), json: jsonOut}, nil
}

func (c *cli) close() {
	_ = c.logger.Close()
}

func (c *cli) log() *slog.Logger { return c.logger.Logger }

func (c *cli) openStore() (storage.SnapshotStore, error) {
	sc := session.StorageConfig(c.cfg.Persistence)
	sc.Logger = c.logger.WithComponent("storage")
	store, err := storage.Open(sc)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store in %s: %w", c.cfg.Persistence.Dir, err)
	}
	return store, nil
}

// emit prints v as JSON in --json mode and calls text otherwise.
func (c *cli) emit(v any, text func(w io.Writer)) error {
	if c.json {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(c.out)
	return nil
}
