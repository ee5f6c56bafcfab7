package session

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"changetrack/internal/batch"
	"changetrack/internal/change"
	"changetrack/internal/cluster"
	"changetrack/internal/config"
	"changetrack/internal/logging"
	"changetrack/internal/state"
	"changetrack/internal/storage"
	"changetrack/internal/wal"
)

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ClusterConfig converts the clustering section.
func ClusterConfig(c config.ClusteringConfig) cluster.Config {
	out := cluster.DefaultConfig()
	out.Strategies = out.Strategies[:0:0]
	for _, s := range c.Strategies {
		out.Strategies = append(out.Strategies, cluster.Kind(s))
	}
	if c.Proximity.Threshold > 0 {
		out.Proximity.Threshold = uint32(c.Proximity.Threshold)
	}
	out.Proximity.MinClusterSize = c.Proximity.MinClusterSize
	out.Proximity.MaxClusterSize = c.Proximity.MaxClusterSize
	out.Proximity.Adaptive = c.Proximity.Adaptive
	out.Category = cluster.CategoryConfig{
		WeightByConfidence: c.Category.WeightByConfidence,
		MinClusterSize:     c.Category.MinClusterSize,
		MaxClusterSize:     c.Category.MaxClusterSize,
	}
	out.ML.Algorithm = c.ML.Algorithm
	out.ML.K = c.ML.K
	out.ML.Eps = c.ML.Eps
	out.ML.MinPoints = c.ML.MinPoints
	out.ML.MaxIterations = c.ML.MaxIterations
	out.ML.Seed = c.ML.Seed
	out.ML.MinChanges = c.ML.MinChanges
	out.ML.MinClusterSize = c.Proximity.MinClusterSize
	out.Debounce = millis(c.DebounceMs)
	return out
}

// BatchConfig converts the batch section.
func BatchConfig(c config.BatchConfig) (batch.Config, error) {
	out := batch.Config{
		Thresholds: batch.Thresholds{
			MaxChanges:    c.MaxChanges,
			ConfidenceSum: c.ConfidenceSum,
			TimeWindow:    millis(c.TimeWindowMs),
			MaxClusters:   c.MaxClusters,
		},
		MaxQueueBytes: c.MaxQueueBytes,
		UrgentTimeout: millis(c.UrgentTimeoutMs),
	}
	if c.AutoAcceptBelow != "" {
		sev, err := change.ParseSeverity(c.AutoAcceptBelow)
		if err != nil {
			return batch.Config{}, err
		}
		out.AutoAcceptBelow = sev
	}
	return out, nil
}

// CompressConfig converts the memory section.
func CompressConfig(c config.MemoryConfig) state.CompressConfig {
	return state.CompressConfig{
		MinBytes:       c.MinCompressBytes,
		BlockThreshold: c.BlockThresholdBytes,
		MaxEntropy:     c.MaxEntropy,
	}
}

// StorageConfig converts the persistence section.
func StorageConfig(c config.PersistenceConfig) storage.Config {
	return storage.Config{Backend: c.Backend, Dir: c.Dir}
}

// HeartbeatConfig converts the persistence section. Callbacks are left for
// the document to fill in.
func HeartbeatConfig(c config.PersistenceConfig) wal.HeartbeatConfig {
	hb := wal.DefaultHeartbeatConfig()
	if c.SnapshotIntervalSec > 0 {
		hb.Interval = time.Duration(c.SnapshotIntervalSec) * time.Second
	}
	if c.LogSoftLimitBytes > 0 {
		hb.SoftLimit = c.LogSoftLimitBytes
	}
	if c.LogHardLimitBytes > 0 {
		hb.HardLimit = c.LogHardLimitBytes
	}
	return hb
}

// MasterKey decodes the configured log key. An empty key is allowed.
func MasterKey(c config.PersistenceConfig) ([]byte, error) {
	if c.HMACKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.HMACKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode hmac key: %w", err)
	}
	return key, nil
}

// LogPath returns the change log path of a document.
func LogPath(dir, documentID string) string {
	return filepath.Join(dir, "logs", logFileName(documentID)+".ctlog")
}

// logFileName maps a document id to a safe file name.
func logFileName(documentID string) string {
	safe := make([]byte, 0, len(documentID))
	for i := 0; i < len(documentID); i++ {
		b := documentID[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9', b == '-', b == '_', b == '.':
			safe = append(safe, b)
		default:
			safe = append(safe, fmt.Sprintf("%%%02X", b)...)
		}
	}
	return string(safe)
}

// LoggingConfig converts the logging section.
func LoggingConfig(c config.LoggingConfig) (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	out := logging.DefaultConfig()
	out.Level = level
	out.Format = format
	out.Output = c.Output
	out.FilePath = c.FilePath
	out.MaxSizeBytes = int64(c.MaxSizeMB) << 20
	out.MaxBackups = c.MaxBackups
	out.Compress = c.Compress
	return out, nil
}
