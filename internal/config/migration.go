package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"changetrack/internal/security"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig upgrades a raw configuration document in place until it
// reaches Version. A document without a version field is treated as v1.
// When configPath is set a timestamped backup of the file is written first.
func MigrateConfig(doc map[string]any, configPath string) (*MigrationResult, error) {
	version := documentVersion(doc)
	if version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: version,
		ToVersion:   Version,
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for version < Version {
		changes, warnings, err := applyMigration(doc, version)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", version, version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
		version++
		doc["version"] = version
	}

	return result, nil
}

// applyMigration applies a single version upgrade.
func applyMigration(doc map[string]any, from int) (changes []string, warnings []string, err error) {
	switch from {
	case 1:
		changes, warnings = migrateV1ToV2(doc)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", from)
	}
	return changes, warnings, nil
}

// v1 keys that moved into sections in v2.
var v1Moves = []struct {
	old     string
	section []string
	key     string
}{
	{"proximity_threshold", []string{"clustering", "proximity"}, "threshold"},
	{"min_cluster_size", []string{"clustering", "proximity"}, "min_cluster_size"},
	{"max_cluster_size", []string{"clustering", "proximity"}, "max_cluster_size"},
	{"adaptive_threshold", []string{"clustering", "proximity"}, "adaptive_threshold"},
	{"weight_by_confidence", []string{"clustering", "category"}, "weight_by_confidence"},
	{"debounce_ms", []string{"clustering"}, "debounce_ms"},
	{"batch_size", []string{"batch"}, "max_changes"},
	{"confidence_threshold", []string{"batch"}, "confidence_sum"},
	{"time_window_ms", []string{"batch"}, "time_window_ms"},
	{"max_clusters", []string{"batch"}, "max_clusters"},
	{"state_dir", []string{"persistence"}, "dir"},
	{"log_level", []string{"logging"}, "level"},
}

// migrateV1ToV2 nests the flat v1 keys into sections. The single v1
// "strategy" value becomes the v2 strategies list.
func migrateV1ToV2(doc map[string]any) (changes []string, warnings []string) {
	for _, m := range v1Moves {
		v, ok := doc[m.old]
		if !ok {
			continue
		}
		delete(doc, m.old)
		section := doc
		for _, name := range m.section {
			next, ok := section[name].(map[string]any)
			if !ok {
				next = make(map[string]any)
				section[name] = next
			}
			section = next
		}
		if _, exists := section[m.key]; exists {
			warnings = append(warnings, fmt.Sprintf("%s ignored: %s.%s already set", m.old, joinPath(m.section), m.key))
			continue
		}
		section[m.key] = v
		changes = append(changes, fmt.Sprintf("moved %s to %s.%s", m.old, joinPath(m.section), m.key))
	}

	if s, ok := doc["strategy"].(string); ok {
		delete(doc, "strategy")
		clustering, ok := doc["clustering"].(map[string]any)
		if !ok {
			clustering = make(map[string]any)
			doc["clustering"] = clustering
		}
		if _, exists := clustering["strategies"]; !exists {
			clustering["strategies"] = []any{s}
			changes = append(changes, fmt.Sprintf("converted strategy %q to clustering.strategies", s))
		}
	}
	return changes, warnings
}

func joinPath(parts []string) string { return strings.Join(parts, ".") }

// documentVersion reads the version field of a raw document. TOML yields
// int64, JSON float64 and YAML int.
func documentVersion(doc map[string]any) int {
	switch v := doc["version"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 1
	}
}

// backupConfig creates a backup of the config file.
func backupConfig(configPath string) (string, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return "", nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	backupPath := configPath + ".backup-" + timestamp

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

// SaveConfig saves the configuration to a file, choosing the format by
// extension. TOML is the default.
func SaveConfig(cfg *Config, path string) error {
	var data []byte
	var err error

	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		buf.WriteString("# changetrack configuration\n")
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := security.WriteFileAtomic(path, data, security.PermPrivateFile); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// MigrateFile rewrites an outdated configuration file at the current
// version after backing it up. It returns nil when the file is current.
func MigrateFile(path string) (*MigrationResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	cfg, result, err := loadConfigFromFile(path, true)
	if err != nil || result == nil {
		return result, err
	}
	if err := cfg.Validate(); err != nil {
		return result, fmt.Errorf("migrated config is invalid: %w", err)
	}
	if err := SaveConfig(cfg, path); err != nil {
		return result, err
	}
	return result, nil
}
