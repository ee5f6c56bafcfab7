// Package config handles configuration loading, validation, and management for
// the change tracking engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"changetrack/internal/security"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete engine configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Clustering selects and tunes the clustering strategies.
	Clustering ClusteringConfig `toml:"clustering" json:"clustering" yaml:"clustering"`

	// Batch configures release thresholds and the review queue.
	Batch BatchConfig `toml:"batch" json:"batch" yaml:"batch"`

	// Persistence configures snapshots and the change log.
	Persistence PersistenceConfig `toml:"persistence" json:"persistence" yaml:"persistence"`

	// Memory configures compression of terminal changes.
	Memory MemoryConfig `toml:"memory" json:"memory" yaml:"memory"`

	// Session configures deadlines and the background pool.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// ClusteringConfig holds clustering configuration.
type ClusteringConfig struct {
	// Strategies are tried in order: "proximity", "category", "ml", "auto".
	Strategies []string `toml:"strategies" json:"strategies" yaml:"strategies"`

	// DebounceMs coalesces bursts of edits into one recompute.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	Proximity ProximityConfig `toml:"proximity" json:"proximity" yaml:"proximity"`
	Category  CategoryConfig  `toml:"category" json:"category" yaml:"category"`
	ML        MLConfig        `toml:"ml" json:"ml" yaml:"ml"`
}

// ProximityConfig tunes position-based clustering.
type ProximityConfig struct {
	// Threshold is the largest character gap inside one cluster.
	Threshold      int  `toml:"threshold" json:"threshold" yaml:"threshold"`
	MinClusterSize int  `toml:"min_cluster_size" json:"min_cluster_size" yaml:"min_cluster_size"`
	MaxClusterSize int  `toml:"max_cluster_size" json:"max_cluster_size" yaml:"max_cluster_size"`
	Adaptive       bool `toml:"adaptive_threshold" json:"adaptive_threshold" yaml:"adaptive_threshold"`
}

// CategoryConfig tunes category clustering.
type CategoryConfig struct {
	WeightByConfidence bool `toml:"weight_by_confidence" json:"weight_by_confidence" yaml:"weight_by_confidence"`
	MinClusterSize     int  `toml:"min_cluster_size" json:"min_cluster_size" yaml:"min_cluster_size"`
	MaxClusterSize     int  `toml:"max_cluster_size" json:"max_cluster_size" yaml:"max_cluster_size"`
}

// MLConfig tunes feature-space clustering.
type MLConfig struct {
	// Algorithm is "auto", "kmeans", "dbscan" or "hierarchical".
	Algorithm     string  `toml:"algorithm" json:"algorithm" yaml:"algorithm"`
	K             int     `toml:"k" json:"k" yaml:"k"`
	Eps           float64 `toml:"eps" json:"eps" yaml:"eps"`
	MinPoints     int     `toml:"min_points" json:"min_points" yaml:"min_points"`
	MaxIterations int     `toml:"max_iterations" json:"max_iterations" yaml:"max_iterations"`
	Seed          uint64  `toml:"seed" json:"seed" yaml:"seed"`

	// MinChanges below which the ML strategy declines the input.
	MinChanges int `toml:"min_changes" json:"min_changes" yaml:"min_changes"`
}

// BatchConfig holds batch processor configuration.
type BatchConfig struct {
	MaxChanges      int     `toml:"max_changes" json:"max_changes" yaml:"max_changes"`
	ConfidenceSum   float64 `toml:"confidence_sum" json:"confidence_sum" yaml:"confidence_sum"`
	TimeWindowMs    int     `toml:"time_window_ms" json:"time_window_ms" yaml:"time_window_ms"`
	MaxClusters     int     `toml:"max_clusters" json:"max_clusters" yaml:"max_clusters"`
	MaxQueueBytes   int     `toml:"max_queue_bytes" json:"max_queue_bytes" yaml:"max_queue_bytes"`
	UrgentTimeoutMs int     `toml:"urgent_timeout_ms" json:"urgent_timeout_ms" yaml:"urgent_timeout_ms"`

	// AutoAcceptBelow is a severity name ("trivial", "minor", "moderate",
	// "major"). Empty disables auto-acceptance.
	AutoAcceptBelow string `toml:"auto_accept_below" json:"auto_accept_below" yaml:"auto_accept_below"`
}

// PersistenceConfig holds snapshot and change log configuration.
type PersistenceConfig struct {
	// Enabled turns durability on. When false documents live in memory only.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Backend is the snapshot store: "sqlite", "badger" or "memory".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Dir holds change logs and the snapshot store.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// SnapshotIntervalSec is the heartbeat period between snapshots.
	SnapshotIntervalSec int `toml:"snapshot_interval_sec" json:"snapshot_interval_sec" yaml:"snapshot_interval_sec"`

	// LogSoftLimitBytes triggers a snapshot on the next heartbeat.
	LogSoftLimitBytes int64 `toml:"log_soft_limit_bytes" json:"log_soft_limit_bytes" yaml:"log_soft_limit_bytes"`

	// LogHardLimitBytes triggers an immediate snapshot.
	LogHardLimitBytes int64 `toml:"log_hard_limit_bytes" json:"log_hard_limit_bytes" yaml:"log_hard_limit_bytes"`

	RetryAttempts  int `toml:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`
	RetryInitialMs int `toml:"retry_initial_ms" json:"retry_initial_ms" yaml:"retry_initial_ms"`

	// SnapshotsToKeep bounds snapshot history per document.
	SnapshotsToKeep int `toml:"snapshots_to_keep" json:"snapshots_to_keep" yaml:"snapshots_to_keep"`

	// HMACKeyHex is the master key for change log integrity. Prefer the
	// CHANGETRACK_HMAC_KEY environment variable.
	HMACKeyHex string `toml:"hmac_key_hex" json:"hmac_key_hex" yaml:"hmac_key_hex"`

	// Sync fsyncs every log append.
	Sync bool `toml:"sync" json:"sync" yaml:"sync"`
}

// MemoryConfig holds compression configuration.
type MemoryConfig struct {
	// CompressTerminal packs accepted and rejected changes regardless of
	// document size.
	CompressTerminal bool `toml:"compress_terminal" json:"compress_terminal" yaml:"compress_terminal"`

	// LargeDocumentWords is the estimated size above which terminal changes
	// are packed.
	LargeDocumentWords int `toml:"large_document_words" json:"large_document_words" yaml:"large_document_words"`

	MinCompressBytes    int     `toml:"min_compress_bytes" json:"min_compress_bytes" yaml:"min_compress_bytes"`
	BlockThresholdBytes int     `toml:"block_threshold_bytes" json:"block_threshold_bytes" yaml:"block_threshold_bytes"`
	MaxEntropy          float64 `toml:"max_entropy" json:"max_entropy" yaml:"max_entropy"`
}

// SessionConfig holds per-operation deadlines and pool sizing.
type SessionConfig struct {
	IngestTimeoutMs int `toml:"ingest_timeout_ms" json:"ingest_timeout_ms" yaml:"ingest_timeout_ms"`
	BulkTimeoutMs   int `toml:"bulk_timeout_ms" json:"bulk_timeout_ms" yaml:"bulk_timeout_ms"`

	// Workers bounds concurrent background jobs across all documents.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: "stdout", "stderr", "file", "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Clustering: ClusteringConfig{
			Strategies: []string{"proximity", "category"},
			DebounceMs: 150,
			Proximity: ProximityConfig{
				Threshold:      100,
				MinClusterSize: 2,
				MaxClusterSize: 50,
			},
			Category: CategoryConfig{
				MinClusterSize: 2,
				MaxClusterSize: 50,
			},
			ML: MLConfig{
				Algorithm:     "auto",
				MinPoints:     3,
				MaxIterations: 50,
				Seed:          1,
				MinChanges:    20,
			},
		},
		Batch: BatchConfig{
			MaxChanges:      25,
			ConfidenceSum:   15,
			TimeWindowMs:    30000,
			MaxClusters:     5,
			MaxQueueBytes:   1 << 20,
			UrgentTimeoutMs: 2000,
		},
		Persistence: PersistenceConfig{
			Enabled:             true,
			Backend:             "sqlite",
			Dir:                 filepath.Join(dir, "state"),
			SnapshotIntervalSec: 30,
			LogSoftLimitBytes:   4 << 20,
			LogHardLimitBytes:   16 << 20,
			RetryAttempts:       5,
			RetryInitialMs:      100,
			SnapshotsToKeep:     10,
			Sync:                true,
		},
		Memory: MemoryConfig{
			LargeDocumentWords:  100000,
			MinCompressBytes:    64,
			BlockThresholdBytes: 4096,
			MaxEntropy:          7.5,
		},
		Session: SessionConfig{
			IngestTimeoutMs: 100,
			BulkTimeoutMs:   2000,
			Workers:         4,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "changetrack.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "changetrack",
		},
	}
}

// ConfigPath returns the first existing config file found by
// FindConfigFile, or config.toml in the data directory.
func ConfigPath() string {
	if path := FindConfigFile(); path != "" {
		return path
	}
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from path. A missing file yields the defaults.
// TOML, JSON and YAML are selected by extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, _, err := loadConfigFromFile(path, false)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the engine writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Persistence.Dir}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := security.EnsurePrivateDir(dir); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables are prefixed with CHANGETRACK_.
func (c *Config) ApplyEnvOverrides() {
	// Persistence overrides
	if v := os.Getenv("CHANGETRACK_PERSISTENCE_DIR"); v != "" {
		c.Persistence.Dir = v
	}
	if v := os.Getenv("CHANGETRACK_PERSISTENCE_BACKEND"); v != "" {
		c.Persistence.Backend = v
	}
	if v := os.Getenv("CHANGETRACK_PERSISTENCE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Persistence.Enabled = b
		}
	}
	// Key material from env
	if v := os.Getenv("CHANGETRACK_HMAC_KEY"); v != "" {
		c.Persistence.HMACKeyHex = v
	}

	// Clustering overrides
	if v := os.Getenv("CHANGETRACK_STRATEGIES"); v != "" {
		var kinds []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				kinds = append(kinds, s)
			}
		}
		c.Clustering.Strategies = kinds
	}
	if v := os.Getenv("CHANGETRACK_PROXIMITY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Clustering.Proximity.Threshold = n
		}
	}

	// Batch overrides
	if v := os.Getenv("CHANGETRACK_AUTO_ACCEPT_BELOW"); v != "" {
		c.Batch.AutoAcceptBelow = v
	}

	// Logging overrides
	if v := os.Getenv("CHANGETRACK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHANGETRACK_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("CHANGETRACK_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("CHANGETRACK_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Enabled = b
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Clustering.Strategies = append([]string{}, c.Clustering.Strategies...)
	return &clone
}
