package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the badger backend.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger

	// GCInterval between value log GC runs. Zero disables GC.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Key layout:
//
//	snap/<doc>/<version:8 bytes BE>  -> data
//	meta/<doc>/<version:8 bytes BE>  -> JSON badgerMeta
//	arch/<doc>                       -> archived_at
type badgerMeta struct {
	SchemaVersion int       `json:"schema_version"`
	LogSequence   uint64    `json:"log_sequence"`
	SavedAt       time.Time `json:"saved_at"`
	Size          int       `json:"size"`
}

// BadgerStore keeps snapshots in a badger key-value store.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
	closed atomic.Bool
}

// OpenBadger opens the badger backend.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("storage: path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	s := &BadgerStore{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

func versionKey(prefix, doc string, version uint64) []byte {
	k := make([]byte, 0, len(prefix)+len(doc)+10)
	k = append(k, prefix...)
	k = append(k, doc...)
	k = append(k, '/')
	return binary.BigEndian.AppendUint64(k, version)
}

func docPrefix(prefix, doc string) []byte {
	return []byte(prefix + doc + "/")
}

func archiveKey(doc string) []byte { return []byte("arch/" + doc) }

func (s *BadgerStore) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Save implements SnapshotStore.
func (s *BadgerStore) Save(ctx context.Context, snap Snapshot) error {
	if err := s.check(); err != nil {
		return err
	}
	if strings.Contains(snap.DocumentID, "/") {
		return fmt.Errorf("storage: document id %q contains '/'", snap.DocumentID)
	}
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	meta, err := json.Marshal(badgerMeta{
		SchemaVersion: snap.SchemaVersion,
		LogSequence:   snap.LogSequence,
		SavedAt:       savedAt,
		Size:          len(snap.Data),
	})
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(versionKey("snap/", snap.DocumentID, snap.StateVersion), snap.Data); err != nil {
			return err
		}
		if err := txn.Set(versionKey("meta/", snap.DocumentID, snap.StateVersion), meta); err != nil {
			return err
		}
		if err := txn.Delete(archiveKey(snap.DocumentID)); err != nil {
			return err
		}
		return nil
	})
}

// history reads metadata for a document inside txn, oldest first.
func (s *BadgerStore) history(txn *badger.Txn, doc string) ([]Meta, error) {
	archived, err := isArchived(txn, doc)
	if err != nil {
		return nil, err
	}
	prefix := docPrefix("meta/", doc)
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: prefix})
	defer it.Close()

	var out []Meta
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()
		if len(key) != len(prefix)+8 {
			continue
		}
		var bm badgerMeta
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &bm) }); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
		out = append(out, Meta{
			DocumentID:    doc,
			StateVersion:  binary.BigEndian.Uint64(key[len(prefix):]),
			SchemaVersion: bm.SchemaVersion,
			LogSequence:   bm.LogSequence,
			SavedAt:       bm.SavedAt,
			Size:          bm.Size,
			Archived:      archived,
		})
	}
	return out, nil
}

func isArchived(txn *badger.Txn, doc string) (bool, error) {
	_, err := txn.Get(archiveKey(doc))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *BadgerStore) load(txn *badger.Txn, m Meta) (*Snapshot, error) {
	item, err := txn.Get(versionKey("snap/", m.DocumentID, m.StateVersion))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Meta: m, Data: data}, nil
}

// Load implements SnapshotStore.
func (s *BadgerStore) Load(ctx context.Context, documentID string) (*Snapshot, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out *Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		hist, err := s.history(txn, documentID)
		if err != nil {
			return err
		}
		if len(hist) == 0 {
			return ErrNotFound
		}
		last := hist[len(hist)-1]
		if last.Archived {
			return fmt.Errorf("%w: %s", ErrArchived, documentID)
		}
		out, err = s.load(txn, last)
		return err
	})
	return out, err
}

// LoadVersion implements SnapshotStore.
func (s *BadgerStore) LoadVersion(ctx context.Context, documentID string, version uint64) (*Snapshot, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out *Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		hist, err := s.history(txn, documentID)
		if err != nil {
			return err
		}
		for _, m := range hist {
			if m.StateVersion == version {
				out, err = s.load(txn, m)
				return err
			}
		}
		return ErrNotFound
	})
	return out, err
}

// History implements SnapshotStore.
func (s *BadgerStore) History(ctx context.Context, documentID string) ([]Meta, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []Meta
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = s.history(txn, documentID)
		return err
	})
	return out, err
}

// List implements SnapshotStore.
func (s *BadgerStore) List(ctx context.Context) ([]Meta, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []Meta
	err := s.db.View(func(txn *badger.Txn) error {
		docs := make(map[string]struct{})
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("meta/")})
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, "meta/")
			if i := len(rest) - 9; i > 0 {
				docs[rest[:i]] = struct{}{}
			}
		}
		it.Close()

		for doc := range docs {
			hist, err := s.history(txn, doc)
			if err != nil {
				return err
			}
			if len(hist) > 0 {
				out = append(out, hist[len(hist)-1])
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, err
}

// Archive implements SnapshotStore.
func (s *BadgerStore) Archive(ctx context.Context, documentID string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		hist, err := s.history(txn, documentID)
		if err != nil {
			return err
		}
		if len(hist) == 0 {
			return ErrNotFound
		}
		ts := binary.BigEndian.AppendUint64(nil, uint64(time.Now().UnixNano()))
		return txn.Set(archiveKey(documentID), ts)
	})
}

// Prune implements SnapshotStore.
func (s *BadgerStore) Prune(ctx context.Context, documentID string, keep int) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if keep < 1 {
		keep = 1
	}
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		hist, err := s.history(txn, documentID)
		if err != nil {
			return err
		}
		for i := 0; i < len(hist)-keep; i++ {
			v := hist[i].StateVersion
			if err := txn.Delete(versionKey("snap/", documentID, v)); err != nil {
				return err
			}
			if err := txn.Delete(versionKey("meta/", documentID, v)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}
