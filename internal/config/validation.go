package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is matched by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is reports ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool { return target == ErrInvalidConfig }

// Fields lists the offending field names.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateClustering(&c.Clustering)...)
	errs = append(errs, validateBatch(&c.Batch)...)
	errs = append(errs, validatePersistence(&c.Persistence)...)
	errs = append(errs, validateMemory(&c.Memory)...)
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateClustering(c *ClusteringConfig) ValidationErrors {
	var errs ValidationErrors

	if len(c.Strategies) == 0 {
		errs = append(errs, ValidationError{
			Field:   "clustering.strategies",
			Message: "at least one strategy is required",
		})
	}
	for _, s := range c.Strategies {
		switch s {
		case "proximity", "category", "ml", "auto":
		default:
			errs = append(errs, ValidationError{
				Field:   "clustering.strategies",
				Message: fmt.Sprintf("unknown strategy: %s (valid: proximity, category, ml, auto)", s),
			})
		}
	}
	if c.DebounceMs < 0 {
		errs = append(errs, ValidationError{Field: "clustering.debounce_ms", Message: "cannot be negative"})
	}

	if c.Proximity.Threshold < 1 {
		errs = append(errs, ValidationError{
			Field:   "clustering.proximity.threshold",
			Message: "threshold must be at least 1",
		})
	}
	errs = append(errs, validateSizes("clustering.proximity", c.Proximity.MinClusterSize, c.Proximity.MaxClusterSize)...)
	errs = append(errs, validateSizes("clustering.category", c.Category.MinClusterSize, c.Category.MaxClusterSize)...)

	switch c.ML.Algorithm {
	case "auto", "kmeans", "dbscan", "hierarchical":
	default:
		errs = append(errs, ValidationError{
			Field:   "clustering.ml.algorithm",
			Message: fmt.Sprintf("invalid algorithm: %s (valid: auto, kmeans, dbscan, hierarchical)", c.ML.Algorithm),
		})
	}
	if c.ML.K < 0 || c.ML.Eps < 0 || c.ML.MinPoints < 0 || c.ML.MaxIterations < 0 || c.ML.MinChanges < 0 {
		errs = append(errs, ValidationError{
			Field:   "clustering.ml",
			Message: "parameters cannot be negative",
		})
	}
	return errs
}

func validateSizes(section string, min, max int) ValidationErrors {
	var errs ValidationErrors
	if min < 1 {
		errs = append(errs, ValidationError{
			Field:   section + ".min_cluster_size",
			Message: "must be at least 1",
		})
	}
	if max != 0 && max < min {
		errs = append(errs, ValidationError{
			Field:   section + ".max_cluster_size",
			Message: fmt.Sprintf("must be 0 (unbounded) or at least min_cluster_size (%d)", min),
		})
	}
	return errs
}

func validateBatch(b *BatchConfig) ValidationErrors {
	var errs ValidationErrors

	if b.MaxChanges < 0 || b.MaxClusters < 0 || b.TimeWindowMs < 0 || b.ConfidenceSum < 0 {
		errs = append(errs, ValidationError{
			Field:   "batch",
			Message: "thresholds cannot be negative",
		})
	}
	if b.MaxChanges == 0 && b.MaxClusters == 0 && b.TimeWindowMs == 0 && b.ConfidenceSum == 0 {
		errs = append(errs, ValidationError{
			Field:   "batch",
			Message: "at least one release threshold must be set",
		})
	}
	if b.MaxQueueBytes < 0 {
		errs = append(errs, ValidationError{Field: "batch.max_queue_bytes", Message: "cannot be negative"})
	}
	if b.UrgentTimeoutMs < 0 {
		errs = append(errs, ValidationError{Field: "batch.urgent_timeout_ms", Message: "cannot be negative"})
	}
	switch strings.ToLower(b.AutoAcceptBelow) {
	case "", "trivial", "minor", "moderate", "major":
	default:
		errs = append(errs, ValidationError{
			Field:   "batch.auto_accept_below",
			Message: fmt.Sprintf("invalid severity: %s (valid: trivial, minor, moderate, major)", b.AutoAcceptBelow),
		})
	}
	return errs
}

func validatePersistence(p *PersistenceConfig) ValidationErrors {
	var errs ValidationErrors

	switch p.Backend {
	case "sqlite", "badger", "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "persistence.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: sqlite, badger, memory)", p.Backend),
		})
	}
	if !p.Enabled {
		return errs
	}

	if p.Dir == "" {
		errs = append(errs, *RequiredFieldError("persistence.dir"))
	} else {
		p.Dir = expandPath(p.Dir)
	}
	if p.SnapshotIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "persistence.snapshot_interval_sec",
			Message: "must be at least 1 second",
		})
	}
	if p.LogSoftLimitBytes < 0 || p.LogHardLimitBytes < 0 {
		errs = append(errs, ValidationError{Field: "persistence.log_limits", Message: "cannot be negative"})
	}
	if p.LogHardLimitBytes > 0 && p.LogSoftLimitBytes > p.LogHardLimitBytes {
		errs = append(errs, ValidationError{
			Field:   "persistence.log_soft_limit_bytes",
			Message: "soft limit exceeds hard limit",
		})
	}
	if p.RetryAttempts < 0 {
		errs = append(errs, ValidationError{Field: "persistence.retry_attempts", Message: "cannot be negative"})
	}
	if p.SnapshotsToKeep < 1 {
		errs = append(errs, ValidationError{Field: "persistence.snapshots_to_keep", Message: "must be at least 1"})
	}
	if p.HMACKeyHex != "" {
		key, err := hex.DecodeString(p.HMACKeyHex)
		switch {
		case err != nil:
			errs = append(errs, *TypeError("persistence.hmac_key_hex", "hex string"))
		case len(key) < 16:
			errs = append(errs, ValidationError{
				Field:   "persistence.hmac_key_hex",
				Message: "key must be at least 16 bytes",
			})
		}
	}
	return errs
}

func validateMemory(m *MemoryConfig) ValidationErrors {
	var errs ValidationErrors
	if m.LargeDocumentWords < 0 || m.MinCompressBytes < 0 || m.BlockThresholdBytes < 0 {
		errs = append(errs, ValidationError{Field: "memory", Message: "sizes cannot be negative"})
	}
	if m.MaxEntropy < 0 || m.MaxEntropy > 8 {
		errs = append(errs, *RangeError("memory.max_entropy", 0, 8))
	}
	return errs
}

func validateSession(s *SessionConfig) ValidationErrors {
	var errs ValidationErrors
	if s.IngestTimeoutMs < 0 || s.BulkTimeoutMs < 0 {
		errs = append(errs, ValidationError{Field: "session", Message: "timeouts cannot be negative"})
	}
	if s.Workers < 1 || s.Workers > 256 {
		errs = append(errs, *RangeError("session.workers", 1, 256))
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home := homeDir(); home != "" {
			return home + path[1:]
		}
	}
	return path
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

// TypeError creates a validation error for an invalid type.
func TypeError(field, expected string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("expected type %s", expected),
	}
}
