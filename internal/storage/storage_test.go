package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendFactory struct {
	name string
	open func(t *testing.T) SnapshotStore
}

func backends() []backendFactory {
	return []backendFactory{
		{"sqlite", func(t *testing.T) SnapshotStore {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "snapshots.db"))
			require.NoError(t, err)
			return s
		}},
		{"badger", func(t *testing.T) SnapshotStore {
			cfg := DefaultBadgerConfig()
			cfg.InMemory = true
			s, err := OpenBadger(cfg)
			require.NoError(t, err)
			return s
		}},
		{"memory", func(t *testing.T) SnapshotStore { return NewMemory() }},
	}
}

func snap(doc string, version uint64, data string) Snapshot {
	return Snapshot{
		Meta: Meta{
			DocumentID:    doc,
			StateVersion:  version,
			SchemaVersion: 3,
			LogSequence:   version * 10,
			SavedAt:       time.Unix(1700000000+int64(version), 0),
		},
		Data: []byte(data),
	}
}

// forEachBackend runs fn against a fresh store of every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s SnapshotStore)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

// =============================================================================
// Snapshot Store Tests
// =============================================================================

func TestStore_SaveAndLoadLatest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s SnapshotStore) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, snap("doc", 1, "one")))
		require.NoError(t, s.Save(ctx, snap("doc", 2, "two")))

		got, err := s.Load(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.StateVersion)
		assert.Equal(t, uint64(20), got.LogSequence)
		assert.Equal(t, 3, got.SchemaVersion)
		assert.Equal(t, "two", string(got.Data))
		assert.Equal(t, 3, got.Size)
		assert.False(t, got.Archived)
	})
}

func TestStore_LoadMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s SnapshotStore) {
		_, err := s.Load(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.LoadVersion(context.Background(), "nope", 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_SaveReplacesVersion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s SnapshotStore) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, snap("doc", 1, "old")))
		require.NoError(t, s.Save(ctx, snap("doc", 1, "new")))

		hist, err := s.History(ctx, "doc")
		require.NoError(t, err)
		require.Len(t, hist, 1)

		got, err := s.LoadVersion(ctx, "doc", 1)
		require.NoError(t, err)
		assert.Equal(t, "new", string(got.Data))
	})
}

func TestStore_HistoryOrdered(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s SnapshotStore) {
		ctx := context.Background()
		for _, v := range []uint64{3, 1, 2} {
			require.NoError(t, s.Save(ctx, snap("doc", v, "x")))
		}
		require.NoError(t, s.Save(ctx, snap("other", 7, "y")))

		hist, err := s.History(ctx, "doc")
		require.NoError(t, err)
		require.Len(t, hist, 3)
		for i, m := range hist {
			assert.Equal(t, uint64(i+1), m.StateVersion)
			assert.Equal(t, "doc", m.DocumentID)
		}
	})
}

func TestStore_ArchiveHidesLatest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s SnapshotStore) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, snap("doc", 1, "one")))
		require.NoError(t, s.Archive(ctx, "doc"))

		_, err := s.Load(ctx, "doc")
		assert.ErrorIs(t, err, ErrArchived)

		old, err := s.LoadVersion(ctx, "doc", 1)
		require.NoError(t, err)
		assert.True(t, old.Archived)

		// A later save revives the document.
		require.NoError(t, s.Save(ctx, snap("doc", 2, "two")))
		got, err := s.Load(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.StateVersion)
	})
}

func TestStore_ArchiveUnknown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s SnapshotStore) {
		assert.ErrorIs(t, s.Archive(context.Background(), "ghost"), ErrNotFound)
	})
}

func TestStore_Prune(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s SnapshotStore) {
		ctx := context.Background()
		for v := uint64(1); v <= 5; v++ {
			require.NoError(t, s.Save(ctx, snap("doc", v, "x")))
		}
		n, err := s.Prune(ctx, "doc", 2)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		hist, err := s.History(ctx, "doc")
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, uint64(4), hist[0].StateVersion)

		n, err = s.Prune(ctx, "doc", 0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestStore_List(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s SnapshotStore) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, snap("b", 1, "x")))
		require.NoError(t, s.Save(ctx, snap("b", 4, "x")))
		require.NoError(t, s.Save(ctx, snap("a", 2, "x")))
		require.NoError(t, s.Archive(ctx, "a"))

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].DocumentID)
		assert.True(t, list[0].Archived)
		assert.Equal(t, "b", list[1].DocumentID)
		assert.Equal(t, uint64(4), list[1].StateVersion)
	})
}

func TestStore_Closed(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			require.NoError(t, s.Close())
			assert.ErrorIs(t, s.Save(context.Background(), snap("doc", 1, "x")), ErrClosed)
			_, err := s.Load(context.Background(), "doc")
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), snap("doc", 1, "persisted")))
	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(sqliteMigrations), v)
	require.NoError(t, s.Close())

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Load(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got.Data))
}

func TestOpen_Backends(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{BackendSQLite, BackendBadger, BackendMemory} {
		s, err := Open(Config{Backend: name, Dir: dir})
		require.NoError(t, err, name)
		require.NoError(t, s.Close())
	}
	_, err := Open(Config{Backend: "tape"})
	assert.Error(t, err)
}
