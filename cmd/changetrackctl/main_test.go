package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changetrack/internal/change"
	"changetrack/internal/config"
	"changetrack/internal/ingest"
	"changetrack/internal/session"
	"changetrack/internal/state"
	"changetrack/internal/storage"
)

const legacySnapshot = `{
  "document_id": "legacy",
  "version": 7,
  "changes": [
    {"id": "a", "status": "pending", "start": 0, "end": 5, "seq": 1,
     "change": {"id": "a", "document_id": "legacy", "type": "replace", "source": "manual",
                "confidence": 1, "content": {"before": "hello", "after": "howdy"},
                "start": 0, "end": 5, "status": "pending",
                "timestamp": "2024-01-01T00:00:00Z", "seq": 1}}
  ]
}`

// fixture writes a config file and a persisted document "doc" with two
// changes, and returns the config path.
func fixture(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Persistence.Enabled = true
	cfg.Persistence.Backend = storage.BackendSQLite
	cfg.Persistence.Dir = filepath.Join(dir, "data")
	cfg.Persistence.Sync = false
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.SaveConfig(cfg, path))

	ctx := context.Background()
	c, err := session.New(session.Options{Config: cfg})
	require.NoError(t, err)
	d, err := c.Open(ctx, "doc", session.OpenOptions{})
	require.NoError(t, err)
	_, err = d.IngestBatch(ctx, []ingest.RawEdit{
		{Type: "replace", Start: 0, End: 5, Before: "old", After: "new"},
		{Type: "insert", Start: 40, End: 40, After: "text"},
	})
	require.NoError(t, err)
	require.NoError(t, c.Shutdown(ctx))
	return path, cfg
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

// =============================================================================
// Command Tree Tests
// =============================================================================

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"inspect", "verify", "recover", "migrate"} {
		assert.Contains(t, names, want)
	}
	for _, flag := range []string{"config", "dir", "json"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestRecover_RequiresTarget(t *testing.T) {
	path, _ := fixture(t)
	_, err := run(t, "recover", "--config", path)
	assert.Error(t, err)
}

// =============================================================================
// Inspect Tests
// =============================================================================

func TestInspect_ListsAndSummarizes(t *testing.T) {
	path, _ := fixture(t)

	out, err := run(t, "inspect", "--config", path, "--json")
	require.NoError(t, err)
	rows := decode[[]documentRow](t, out)
	require.Len(t, rows, 1)
	assert.Equal(t, "doc", rows[0].DocumentID)
	assert.Equal(t, state.CurrentVersion, rows[0].SchemaVersion)

	out, err = run(t, "inspect", "doc", "--config", path, "--json", "--history")
	require.NoError(t, err)
	rep := decode[inspectReport](t, out)
	assert.Equal(t, 2, rep.Changes)
	assert.Equal(t, 2, rep.ByStatus[change.Pending])
	require.Len(t, rep.Sessions, 1)
	assert.NotNil(t, rep.Sessions[0].EndedAt)
	assert.NotEmpty(t, rep.History)

	out, err = run(t, "inspect", "doc", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "=== doc ===")
	assert.Contains(t, out, "Changes: 2")

	_, err = run(t, "inspect", "missing", "--config", path)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// =============================================================================
// Verify Tests
// =============================================================================

func TestVerify_CleanDocument(t *testing.T) {
	path, _ := fixture(t)

	out, err := run(t, "verify", "doc", "--config", path, "--json")
	require.NoError(t, err)
	rep := decode[verifyReport](t, out)
	assert.True(t, rep.Snapshot)
	assert.True(t, rep.Log)
	assert.True(t, rep.CleanShutdown)
	assert.False(t, rep.NeedsRecovery)
	assert.Zero(t, rep.Unapplied)
	assert.Nil(t, rep.TornAt)
}

func TestVerify_DetectsDamage(t *testing.T) {
	path, cfg := fixture(t)
	logPath := session.LogPath(cfg.Persistence.Dir, "doc")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	data[len(data)-3] ^= 0xFF
	require.NoError(t, os.WriteFile(logPath, data, 0o600))

	out, err := run(t, "verify", "doc", "--config", path, "--json")
	require.ErrorIs(t, err, errVerifyFailed)
	rep := decode[verifyReport](t, out)
	assert.True(t, rep.TornAt != nil || rep.LogError != "")
}

func TestVerify_UnknownDocument(t *testing.T) {
	path, _ := fixture(t)
	out, err := run(t, "verify", "nobody", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "none stored")
	assert.Contains(t, out, "not present")
}

// =============================================================================
// Recover Tests
// =============================================================================

func TestRecover_CleanDocuments(t *testing.T) {
	path, _ := fixture(t)

	out, err := run(t, "recover", "--all", "--config", path, "--json")
	require.NoError(t, err)
	results := decode[[]recoverResult](t, out)
	require.Len(t, results, 1)
	assert.Equal(t, "doc", results[0].DocumentID)
	assert.False(t, results[0].Recovered)
	assert.Equal(t, 2, results[0].Changes)
	assert.Empty(t, results[0].Error)
}

// =============================================================================
// Migrate Tests
// =============================================================================

func TestMigrateSnapshots_StoresNewVersion(t *testing.T) {
	path, cfg := fixture(t)

	ctx := context.Background()
	store, err := storage.OpenSQLite(filepath.Join(cfg.Persistence.Dir, "snapshots.db"))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, storage.Snapshot{
		Meta: storage.Meta{DocumentID: "legacy", StateVersion: 7, SchemaVersion: 1},
		Data: []byte(legacySnapshot),
	}))
	require.NoError(t, store.Close())

	out, err := run(t, "migrate", "snapshots", "legacy", "--dry-run", "--config", path, "--json")
	require.NoError(t, err)
	dry := decode[[]migrateResult](t, out)
	require.Len(t, dry, 1)
	assert.Equal(t, 1, dry[0].From)
	assert.Zero(t, dry[0].NewVersion)

	out, err = run(t, "migrate", "snapshots", "--all", "--config", path, "--json")
	require.NoError(t, err)
	results := decode[[]migrateResult](t, out)
	require.Len(t, results, 2)
	byID := map[string]migrateResult{}
	for _, r := range results {
		byID[r.DocumentID] = r
	}
	assert.True(t, byID["doc"].UpToDate)
	assert.Equal(t, uint64(8), byID["legacy"].NewVersion)

	store, err = storage.OpenSQLite(filepath.Join(cfg.Persistence.Dir, "snapshots.db"))
	require.NoError(t, err)
	defer store.Close()
	old, err := store.LoadVersion(ctx, "legacy", 7)
	require.NoError(t, err)
	assert.JSONEq(t, legacySnapshot, string(old.Data))
	latest, err := store.Load(ctx, "legacy")
	require.NoError(t, err)
	v, _, err := state.Peek(latest.Data)
	require.NoError(t, err)
	assert.Equal(t, state.CurrentVersion, v)
}

func TestMigrateConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("proximity_threshold = 120\n"), 0o600))

	out, err := run(t, "migrate", "config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Migrated")

	out, err = run(t, "migrate", "config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "already at version")
}
