package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// =============================================================================
// Defaults and Load Tests
// =============================================================================

func TestDefaultConfig_IsValid(t *testing.T) {
	t.Setenv("CHANGETRACK_DATA_DIR", t.TempDir())
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, []string{"proximity", "category"}, cfg.Clustering.Strategies)
	assert.Equal(t, 100, cfg.Clustering.Proximity.Threshold)
	assert.True(t, strings.HasPrefix(cfg.Persistence.Dir, os.Getenv("CHANGETRACK_DATA_DIR")))
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Batch, cfg.Batch)
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "config.toml",
			content: `version = 2
[clustering]
strategies = ["category", "ml"]
[clustering.proximity]
threshold = 250
[batch]
auto_accept_below = "minor"
`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `version: 2
clustering:
  strategies: [category, ml]
  proximity:
    threshold: 250
batch:
  auto_accept_below: minor
`,
		},
		{
			name:    "json",
			file:    "config.json",
			content: `{"version": 2, "clustering": {"strategies": ["category", "ml"], "proximity": {"threshold": 250}}, "batch": {"auto_accept_below": "minor"}}`,
		},
		{
			name: "auto-detected toml",
			file: "changetrack.conf",
			content: `version = 2
[clustering]
strategies = ["category", "ml"]
[clustering.proximity]
threshold = 250
[batch]
auto_accept_below = "minor"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)
			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, []string{"category", "ml"}, cfg.Clustering.Strategies)
			assert.Equal(t, 250, cfg.Clustering.Proximity.Threshold)
			assert.Equal(t, "minor", cfg.Batch.AutoAcceptBelow)
			// Untouched keys keep their defaults.
			assert.Equal(t, 2, cfg.Clustering.Proximity.MinClusterSize)
			assert.Equal(t, 25, cfg.Batch.MaxChanges)
		})
	}
}

func TestLoad_Garbage(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", "this is = = not toml")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CHANGETRACK_PERSISTENCE_DIR", "/var/lib/ct")
	t.Setenv("CHANGETRACK_PERSISTENCE_BACKEND", "badger")
	t.Setenv("CHANGETRACK_STRATEGIES", "ml, auto")
	t.Setenv("CHANGETRACK_PROXIMITY_THRESHOLD", "42")
	t.Setenv("CHANGETRACK_LOG_LEVEL", "debug")
	t.Setenv("CHANGETRACK_METRICS_ENABLED", "false")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, "/var/lib/ct", cfg.Persistence.Dir)
	assert.Equal(t, "badger", cfg.Persistence.Backend)
	assert.Equal(t, []string{"ml", "auto"}, cfg.Clustering.Strategies)
	assert.Equal(t, 42, cfg.Clustering.Proximity.Threshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestClone_IsDeep(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Clustering.Strategies[0] = "ml"
	assert.Equal(t, "proximity", cfg.Clustering.Strategies[0])
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"unknown strategy", func(c *Config) { c.Clustering.Strategies = []string{"magic"} }, "clustering.strategies"},
		{"no strategies", func(c *Config) { c.Clustering.Strategies = nil }, "clustering.strategies"},
		{"zero threshold", func(c *Config) { c.Clustering.Proximity.Threshold = 0 }, "clustering.proximity.threshold"},
		{"max below min", func(c *Config) { c.Clustering.Category.MaxClusterSize = 1; c.Clustering.Category.MinClusterSize = 3 }, "clustering.category.max_cluster_size"},
		{"bad algorithm", func(c *Config) { c.Clustering.ML.Algorithm = "svm" }, "clustering.ml.algorithm"},
		{"bad severity", func(c *Config) { c.Batch.AutoAcceptBelow = "catastrophic" }, "batch.auto_accept_below"},
		{"soft above hard", func(c *Config) { c.Persistence.LogSoftLimitBytes = 10; c.Persistence.LogHardLimitBytes = 5 }, "persistence.log_soft_limit_bytes"},
		{"bad backend", func(c *Config) { c.Persistence.Backend = "tape" }, "persistence.backend"},
		{"missing dir", func(c *Config) { c.Persistence.Enabled = true; c.Persistence.Dir = "" }, "persistence.dir"},
		{"short key", func(c *Config) { c.Persistence.HMACKeyHex = "abcd" }, "persistence.hmac_key_hex"},
		{"non-hex key", func(c *Config) { c.Persistence.HMACKeyHex = "zz" }, "persistence.hmac_key_hex"},
		{"no workers", func(c *Config) { c.Session.Workers = 0 }, "session.workers"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"future version", func(c *Config) { c.Version = Version + 1 }, "version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.Contains(t, verrs.Fields(), tt.field)
		})
	}
}

func TestValidate_DisabledPersistenceSkipsPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Persistence.Enabled = false
	cfg.Persistence.Dir = ""
	assert.NoError(t, cfg.Validate())
}

// =============================================================================
// Migration Tests
// =============================================================================

func TestMigrateConfig_V1Flat(t *testing.T) {
	doc := map[string]any{
		"proximity_threshold": int64(300),
		"min_cluster_size":    int64(3),
		"strategy":            "category",
		"batch_size":          int64(10),
		"log_level":           "warn",
	}
	result, err := MigrateConfig(doc, "")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.FromVersion)
	assert.Equal(t, Version, result.ToVersion)
	assert.NotEmpty(t, result.Changes)

	assert.Equal(t, Version, doc["version"])
	clustering := doc["clustering"].(map[string]any)
	assert.Equal(t, []any{"category"}, clustering["strategies"])
	assert.Equal(t, int64(300), clustering["proximity"].(map[string]any)["threshold"])
	assert.Equal(t, int64(10), doc["batch"].(map[string]any)["max_changes"])
	assert.NotContains(t, doc, "proximity_threshold")
}

func TestMigrateConfig_ConflictingKeyWarns(t *testing.T) {
	doc := map[string]any{
		"version":   1,
		"log_level": "warn",
		"logging":   map[string]any{"level": "error"},
	}
	result, err := MigrateConfig(doc, "")
	require.NoError(t, err)
	assert.Len(t, result.Warnings, 1)
	assert.Equal(t, "error", doc["logging"].(map[string]any)["level"])
}

func TestMigrateConfig_CurrentIsNoop(t *testing.T) {
	result, err := MigrateConfig(map[string]any{"version": int64(Version)}, "")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestLoader_MigratesAndBacksUp(t *testing.T) {
	dir := t.TempDir()
	content := "proximity_threshold = 80\nstrategy = \"ml\"\n"
	path := writeFile(t, dir, "config.toml", content)

	l := NewLoader(path)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 80, cfg.Clustering.Proximity.Threshold)
	assert.Equal(t, []string{"ml"}, cfg.Clustering.Strategies)
	assert.Equal(t, Version, cfg.Version)

	m := l.Migration()
	require.NotNil(t, m)
	require.NotEmpty(t, m.Backup)
	backup, err := os.ReadFile(m.Backup)
	require.NoError(t, err)
	assert.Equal(t, content, string(backup))

	// The original file is left as written.
	orig, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(orig))
}

func TestMigrateFile_RewritesOutdatedFile(t *testing.T) {
	dir := t.TempDir()
	content := "proximity_threshold = 80\n"
	path := writeFile(t, dir, "config.toml", content)

	m, err := MigrateFile(path)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 1, m.FromVersion)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, 80, cfg.Clustering.Proximity.Threshold)

	again, err := MigrateFile(path)
	require.NoError(t, err)
	assert.Nil(t, again, "a current file is left alone")

	_, err = MigrateFile(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	for _, ext := range []string{"toml", "yaml", "json"} {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Clustering.Strategies = []string{"auto"}
			cfg.Clustering.ML.Eps = 12.5
			cfg.Batch.AutoAcceptBelow = "trivial"
			path := filepath.Join(t.TempDir(), "config."+ext)
			require.NoError(t, SaveConfig(cfg, path))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, cfg.Clustering, got.Clustering)
			assert.Equal(t, cfg.Batch, got.Batch)
			assert.Equal(t, cfg.Persistence, got.Persistence)
		})
	}
}

func TestConfigPath_PrefersWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, "config.yaml", "version: 2\n")

	assert.Equal(t, filepath.Join(".", "config.yaml"), ConfigPath())
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)

	again, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg.Clustering, again.Clustering)
}

// =============================================================================
// Watch Tests
// =============================================================================

func TestLoader_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", "version = 2\n[clustering.proximity]\nthreshold = 100\n")

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	var seen atomic.Int64
	l.OnChange(func(old, new *Config) {
		seen.Store(int64(new.Clustering.Proximity.Threshold))
	})
	require.NoError(t, l.Watch())
	defer l.Close()

	writeFile(t, dir, "config.toml", "version = 2\n[clustering.proximity]\nthreshold = 175\n")
	require.Eventually(t, func() bool { return seen.Load() == 175 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 175, l.Config().Clustering.Proximity.Threshold)
}

func TestLoader_InvalidReloadKeepsConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", "version = 2\n")

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)
	require.NoError(t, l.Watch())
	defer l.Close()

	writeFile(t, dir, "config.toml", "version = 2\n[clustering]\nstrategies = [\"magic\"]\n")
	select {
	case err := <-l.Errors():
		assert.ErrorIs(t, err, ErrInvalidConfig)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a reload error")
	}
	assert.Equal(t, []string{"proximity", "category"}, l.Config().Clustering.Strategies)
}
