package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process SnapshotStore. Used for memory-only tracking and
// in tests.
type Memory struct {
	mu       sync.RWMutex
	docs     map[string][]Snapshot
	archived map[string]bool
	closed   bool
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string][]Snapshot),
		archived: make(map[string]bool),
	}
}

// Save implements SnapshotStore.
func (m *Memory) Save(ctx context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now()
	}
	s.Size = len(s.Data)
	s.Data = append([]byte(nil), s.Data...)
	s.Archived = false

	hist := m.docs[s.DocumentID]
	i := sort.Search(len(hist), func(i int) bool { return hist[i].StateVersion >= s.StateVersion })
	switch {
	case i < len(hist) && hist[i].StateVersion == s.StateVersion:
		hist[i] = s
	default:
		hist = append(hist, Snapshot{})
		copy(hist[i+1:], hist[i:])
		hist[i] = s
	}
	m.docs[s.DocumentID] = hist
	delete(m.archived, s.DocumentID)
	return nil
}

func (m *Memory) copyOf(s Snapshot, doc string) *Snapshot {
	s.Data = append([]byte(nil), s.Data...)
	s.Archived = m.archived[doc]
	return &s
}

// Load implements SnapshotStore.
func (m *Memory) Load(ctx context.Context, documentID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	hist := m.docs[documentID]
	if len(hist) == 0 {
		return nil, ErrNotFound
	}
	if m.archived[documentID] {
		return nil, fmt.Errorf("%w: %s", ErrArchived, documentID)
	}
	return m.copyOf(hist[len(hist)-1], documentID), nil
}

// LoadVersion implements SnapshotStore.
func (m *Memory) LoadVersion(ctx context.Context, documentID string, version uint64) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	for _, s := range m.docs[documentID] {
		if s.StateVersion == version {
			return m.copyOf(s, documentID), nil
		}
	}
	return nil, ErrNotFound
}

// History implements SnapshotStore.
func (m *Memory) History(ctx context.Context, documentID string) ([]Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Meta
	for _, s := range m.docs[documentID] {
		meta := s.Meta
		meta.Archived = m.archived[documentID]
		out = append(out, meta)
	}
	return out, nil
}

// List implements SnapshotStore.
func (m *Memory) List(ctx context.Context) ([]Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Meta
	for doc, hist := range m.docs {
		if len(hist) == 0 {
			continue
		}
		meta := hist[len(hist)-1].Meta
		meta.Archived = m.archived[doc]
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

// Archive implements SnapshotStore.
func (m *Memory) Archive(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(m.docs[documentID]) == 0 {
		return ErrNotFound
	}
	m.archived[documentID] = true
	return nil
}

// Prune implements SnapshotStore.
func (m *Memory) Prune(ctx context.Context, documentID string, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if keep < 1 {
		keep = 1
	}
	hist := m.docs[documentID]
	if len(hist) <= keep {
		return 0, nil
	}
	n := len(hist) - keep
	m.docs[documentID] = append([]Snapshot(nil), hist[n:]...)
	return n, nil
}

// Close implements SnapshotStore.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
