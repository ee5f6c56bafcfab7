package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// sqliteMigrations contains all schema migrations in order.
var sqliteMigrations = []Migration{
	{
		Version:     1,
		Description: "Snapshot history per document",
		Up: `
CREATE TABLE IF NOT EXISTS snapshots (
    document_id     TEXT NOT NULL,
    state_version   INTEGER NOT NULL,
    schema_version  INTEGER NOT NULL,
    log_sequence    INTEGER NOT NULL,
    saved_at        INTEGER NOT NULL,
    data            BLOB NOT NULL,
    PRIMARY KEY (document_id, state_version)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_saved ON snapshots(saved_at);
`,
	},
	{
		Version:     2,
		Description: "Archived documents",
		Up: `
CREATE TABLE IF NOT EXISTS archived_documents (
    document_id     TEXT PRIMARY KEY,
    archived_at     INTEGER NOT NULL
);
`,
	},
}

// SQLiteStore keeps snapshots in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens or creates the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// migrateDB applies all pending migrations to the database.
func migrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range sqliteMigrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the applied database schema version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}

func (s *SQLiteStore) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Save implements SnapshotStore.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	if err := s.check(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (document_id, state_version, schema_version, log_sequence, saved_at, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.DocumentID, int64(snap.StateVersion), snap.SchemaVersion, int64(snap.LogSequence), savedAt.UnixNano(), snap.Data,
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM archived_documents WHERE document_id = ?", snap.DocumentID); err != nil {
		return fmt.Errorf("clear archive flag: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = "s.document_id, s.state_version, s.schema_version, s.log_sequence, s.saved_at, length(s.data), a.document_id IS NOT NULL"

func scanMeta(row interface{ Scan(...any) error }, extra ...any) (Meta, error) {
	var m Meta
	var version, seq, savedAt int64
	dest := append([]any{&m.DocumentID, &version, &m.SchemaVersion, &seq, &savedAt, &m.Size, &m.Archived}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Meta{}, err
	}
	m.StateVersion = uint64(version)
	m.LogSequence = uint64(seq)
	m.SavedAt = time.Unix(0, savedAt)
	return m, nil
}

// Load implements SnapshotStore.
func (s *SQLiteStore) Load(ctx context.Context, documentID string) (*Snapshot, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`, s.data
		FROM snapshots s LEFT JOIN archived_documents a ON a.document_id = s.document_id
		WHERE s.document_id = ?
		ORDER BY s.state_version DESC LIMIT 1`, documentID)
	snap, err := scanSnapshot(row)
	if err != nil {
		return nil, err
	}
	if snap.Archived {
		return nil, fmt.Errorf("%w: %s", ErrArchived, documentID)
	}
	return snap, nil
}

// LoadVersion implements SnapshotStore.
func (s *SQLiteStore) LoadVersion(ctx context.Context, documentID string, version uint64) (*Snapshot, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`, s.data
		FROM snapshots s LEFT JOIN archived_documents a ON a.document_id = s.document_id
		WHERE s.document_id = ? AND s.state_version = ?`, documentID, int64(version))
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	var data []byte
	m, err := scanMeta(row, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return &Snapshot{Meta: m, Data: data}, nil
}

// History implements SnapshotStore.
func (s *SQLiteStore) History(ctx context.Context, documentID string) ([]Meta, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.queryMeta(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots s LEFT JOIN archived_documents a ON a.document_id = s.document_id
		WHERE s.document_id = ?
		ORDER BY s.state_version ASC`, documentID)
}

// List implements SnapshotStore.
func (s *SQLiteStore) List(ctx context.Context) ([]Meta, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.queryMeta(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots s LEFT JOIN archived_documents a ON a.document_id = s.document_id
		WHERE s.state_version = (SELECT MAX(state_version) FROM snapshots WHERE document_id = s.document_id)
		ORDER BY s.document_id`)
}

func (s *SQLiteStore) queryMeta(ctx context.Context, query string, args ...any) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Archive implements SnapshotStore.
func (s *SQLiteStore) Archive(ctx context.Context, documentID string) error {
	if err := s.check(); err != nil {
		return err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots WHERE document_id = ?", documentID).Scan(&n); err != nil {
		return fmt.Errorf("count snapshots: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO archived_documents (document_id, archived_at) VALUES (?, ?)",
		documentID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("archive document: %w", err)
	}
	return nil
}

// Prune implements SnapshotStore.
func (s *SQLiteStore) Prune(ctx context.Context, documentID string, keep int) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE document_id = ? AND state_version NOT IN (
			SELECT state_version FROM snapshots WHERE document_id = ?
			ORDER BY state_version DESC LIMIT ?
		)`, documentID, documentID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
