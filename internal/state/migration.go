package state

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedVersion is returned for snapshots newer than this build.
var ErrUnsupportedVersion = errors.New("state: unsupported schema version")

// MigrationError reports a snapshot that could not be brought to the current
// schema. Raw holds the untouched stored bytes.
type MigrationError struct {
	From int
	To   int
	Err  error
	Raw  []byte
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("state: migrate snapshot v%d -> v%d: %v", e.From, e.To, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Migration upgrades a decoded snapshot document by one schema version.
type Migration struct {
	From        int
	To          int
	Description string
	Apply       func(doc map[string]any) error
}

var migrations = []Migration{
	{
		From:        1,
		To:          2,
		Description: "rename version to state_version and add audit trail",
		Apply:       migrateV1ToV2,
	},
	{
		From:        2,
		To:          3,
		Description: "nest change ranges under position and default categories",
		Apply:       migrateV2ToV3,
	},
}

// Migrations returns the registered migration chain.
func Migrations() []Migration {
	return append([]Migration(nil), migrations...)
}

// Migrate applies migrations to doc in order until it reaches target.
func Migrate(doc map[string]any, from, target int) error {
	if from > target {
		return &MigrationError{From: from, To: target, Err: ErrUnsupportedVersion}
	}
	v := from
	for v < target {
		m, ok := findMigration(v)
		if !ok {
			return &MigrationError{From: from, To: target, Err: fmt.Errorf("no migration from v%d", v)}
		}
		if err := m.Apply(doc); err != nil {
			return &MigrationError{From: from, To: target, Err: fmt.Errorf("v%d -> v%d: %w", m.From, m.To, err)}
		}
		v = m.To
		doc["schema_version"] = json.Number(fmt.Sprint(v))
	}
	return nil
}

func findMigration(from int) (Migration, bool) {
	for _, m := range migrations {
		if m.From == from {
			return m, true
		}
	}
	return Migration{}, false
}

func migrateV1ToV2(doc map[string]any) error {
	if v, ok := doc["version"]; ok {
		if _, exists := doc["state_version"]; !exists {
			doc["state_version"] = v
		}
		delete(doc, "version")
	}
	if _, ok := doc["state_version"]; !ok {
		return errors.New("missing version")
	}
	if _, ok := doc["audit"]; !ok {
		doc["audit"] = []any{}
	}
	return nil
}

func migrateV2ToV3(doc map[string]any) error {
	raw, ok := doc["changes"]
	if !ok || raw == nil {
		doc["changes"] = []any{}
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("changes is %T", raw)
	}
	for i, item := range list {
		rec, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("changes[%d] is %T", i, item)
		}
		if err := nestPosition(rec); err != nil {
			return fmt.Errorf("changes[%d]: %w", i, err)
		}
		body, ok := rec["change"].(map[string]any)
		if !ok {
			continue
		}
		if err := nestPosition(body); err != nil {
			return fmt.Errorf("changes[%d].change: %w", i, err)
		}
		if c, _ := body["category"].(string); c == "" {
			body["category"] = "manual"
		}
	}
	return nil
}

// nestPosition moves flat start/end fields into a position object.
func nestPosition(m map[string]any) error {
	start, hasStart := m["start"]
	end, hasEnd := m["end"]
	if !hasStart && !hasEnd {
		if _, ok := m["position"]; !ok {
			return errors.New("missing range")
		}
		return nil
	}
	if !hasStart || !hasEnd {
		return errors.New("partial range")
	}
	m["position"] = map[string]any{"start": start, "end": end}
	delete(m, "start")
	delete(m, "end")
	return nil
}
