// Package storage persists encoded snapshots of document tracking state.
//
// Backends keep a history of snapshots per document. Load returns the newest
// snapshot of a document that has not been archived.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// Errors
var (
	ErrNotFound = errors.New("storage: snapshot not found")
	ErrClosed   = errors.New("storage: store is closed")
	ErrArchived = errors.New("storage: document is archived")
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Meta describes a stored snapshot.
type Meta struct {
	DocumentID    string
	StateVersion  uint64
	SchemaVersion int
	LogSequence   uint64
	SavedAt       time.Time
	Size          int
	Archived      bool
}

// Snapshot is an encoded snapshot plus its metadata.
type Snapshot struct {
	Meta
	Data []byte
}

// SnapshotStore is implemented by every backend. Implementations are safe
// for concurrent use.
type SnapshotStore interface {
	// Save stores a snapshot. Saving a state version that already exists
	// replaces it. Saving to an archived document clears the archive flag.
	Save(ctx context.Context, s Snapshot) error

	// Load returns the newest snapshot of a non-archived document.
	Load(ctx context.Context, documentID string) (*Snapshot, error)

	// LoadVersion returns a specific snapshot, archived or not.
	LoadVersion(ctx context.Context, documentID string, version uint64) (*Snapshot, error)

	// History lists stored snapshots of a document, oldest first.
	History(ctx context.Context, documentID string) ([]Meta, error)

	// Archive hides a document from Load while keeping its history.
	Archive(ctx context.Context, documentID string) error

	// Prune deletes all but the newest keep snapshots of a document.
	Prune(ctx context.Context, documentID string, keep int) (int, error)

	// List returns the newest snapshot metadata of every document.
	List(ctx context.Context) ([]Meta, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	Dir     string
	Logger  *slog.Logger
}

// Open creates the configured backend.
func Open(cfg Config) (SnapshotStore, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		s, err := OpenSQLite(filepath.Join(cfg.Dir, "snapshots.db"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendBadger:
		bc := DefaultBadgerConfig()
		bc.Path = filepath.Join(cfg.Dir, "snapshots.badger")
		bc.Logger = cfg.Logger
		s, err := OpenBadger(bc)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
