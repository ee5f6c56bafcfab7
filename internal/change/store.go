package change

import (
	"errors"
	"fmt"
	"slices"
)

// Store errors
var (
	ErrNotFound    = errors.New("change: not found")
	ErrDuplicate   = errors.New("change: duplicate id")
	ErrOutOfBounds = errors.New("change: range exceeds document bounds")
	ErrWrongDoc    = errors.New("change: belongs to another document")
)

// Packed is the compact form of a terminal change.
type Packed struct {
	Codec   string `json:"codec"`
	Data    []byte `json:"data"`
	RawSize int    `json:"raw_size"`
}

// Packer converts terminal changes to and from their compact form.
type Packer interface {
	Pack(c *Change) (Packed, error)
	Unpack(p Packed) (*Change, error)
}

// Record is the stored form of a change. Exactly one of Change or Packed is set.
type Record struct {
	ID       ID
	Status   Status
	Position Position
	Seq      uint64
	Change   *Change
	Packed   *Packed
}

// Transition is one requested status move in a bulk operation.
type Transition struct {
	ID ID
	To Status
}

// Applied records a transition that took effect.
type Applied struct {
	ID   ID
	From Status
	To   Status
}

// Filter selects changes from List. Zero fields match everything.
type Filter struct {
	Statuses []Status
	Sources  []Source
	Category string
	Within   *Position
}

func (f Filter) match(c *Change) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, c.Status) {
		return false
	}
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, c.Source) {
		return false
	}
	if f.Category != "" && f.Category != c.Category {
		return false
	}
	if f.Within != nil && (c.Position.Start < f.Within.Start || c.Position.End > f.Within.End) {
		return false
	}
	return true
}

// Stats summarizes store contents.
type Stats struct {
	Total    int
	Packed   int
	ByStatus map[Status]int
}

// Store holds every change of one document, keyed by id and kept in
// submission order. It is not safe for concurrent use; the owning document
// serializes access.
type Store struct {
	documentID string
	length     uint32
	nextSeq    uint64

	records map[ID]*Record
	order   []ID
	packer  Packer
}

// NewStore creates an empty store for a document. packer may be nil, in
// which case terminal changes are never compacted.
func NewStore(documentID string, packer Packer) *Store {
	return &Store{
		documentID: documentID,
		records:    make(map[ID]*Record),
		packer:     packer,
	}
}

// DocumentID returns the owning document.
func (s *Store) DocumentID() string { return s.documentID }

// DocumentLength returns the known document length, or 0 if unknown.
func (s *Store) DocumentLength() uint32 { return s.length }

// SetDocumentLength records the document length used for bounds checks.
// Zero disables the upper bound.
func (s *Store) SetDocumentLength(n uint32) { s.length = n }

// InBounds reports whether a range fits the known document.
func (s *Store) InBounds(p Position) bool {
	if p.Start > p.End {
		return false
	}
	return s.length == 0 || p.End <= s.length
}

// NextSeq allocates the next submission sequence number.
func (s *Store) NextSeq() uint64 {
	s.nextSeq++
	return s.nextSeq
}

// LastSeq returns the last allocated sequence number.
func (s *Store) LastSeq() uint64 { return s.nextSeq }

// ReserveSeq raises the sequence counter to at least n.
func (s *Store) ReserveSeq(n uint64) {
	if n > s.nextSeq {
		s.nextSeq = n
	}
}

// Add inserts a new change.
func (s *Store) Add(c *Change) error {
	if c.DocumentID != s.documentID {
		return fmt.Errorf("%w: %s", ErrWrongDoc, c.DocumentID)
	}
	if _, ok := s.records[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.ID)
	}
	if !s.InBounds(c.Position) {
		return fmt.Errorf("%w: [%d,%d) length %d", ErrOutOfBounds, c.Position.Start, c.Position.End, s.length)
	}
	if c.Seq > s.nextSeq {
		s.nextSeq = c.Seq
	}
	s.records[c.ID] = &Record{
		ID:       c.ID,
		Status:   c.Status,
		Position: c.Position,
		Seq:      c.Seq,
		Change:   c.Clone(),
	}
	s.order = append(s.order, c.ID)
	return nil
}

// Restore inserts a record loaded from persisted state, packed or not.
func (s *Store) Restore(r Record) error {
	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, r.ID)
	}
	if r.Change == nil && r.Packed == nil {
		return fmt.Errorf("change: record %s has no body", r.ID)
	}
	if r.Seq > s.nextSeq {
		s.nextSeq = r.Seq
	}
	cp := r
	if r.Change != nil {
		cp.Change = r.Change.Clone()
	}
	s.records[r.ID] = &cp
	s.order = append(s.order, r.ID)
	return nil
}

// Get returns a copy of a change, unpacking it if needed.
func (s *Store) Get(id ID) (*Change, error) {
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.materialize(r)
}

func (s *Store) materialize(r *Record) (*Change, error) {
	if r.Change != nil {
		return r.Change.Clone(), nil
	}
	if s.packer == nil {
		return nil, fmt.Errorf("change: record %s is packed but no packer is configured", r.ID)
	}
	c, err := s.packer.Unpack(*r.Packed)
	if err != nil {
		return nil, fmt.Errorf("unpack change %s: %w", r.ID, err)
	}
	c.Status = r.Status
	return c, nil
}

// StatusOf returns the current status of a change.
func (s *Store) StatusOf(id ID) (Status, bool) {
	r, ok := s.records[id]
	if !ok {
		return 0, false
	}
	return r.Status, true
}

// Has reports whether the store holds the id.
func (s *Store) Has(id ID) bool {
	_, ok := s.records[id]
	return ok
}

// List returns copies of matching changes in submission order.
func (s *Store) List(f Filter) ([]*Change, error) {
	var out []*Change
	for _, id := range s.order {
		r := s.records[id]
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
			continue
		}
		c, err := s.materialize(r)
		if err != nil {
			return nil, err
		}
		if f.match(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Pending returns copies of all Pending changes in submission order.
// Pending changes are never packed.
func (s *Store) Pending() []*Change {
	var out []*Change
	for _, id := range s.order {
		r := s.records[id]
		if r.Status == Pending {
			out = append(out, r.Change.Clone())
		}
	}
	return out
}

// IDsWithStatus returns ids in submission order.
func (s *Store) IDsWithStatus(statuses ...Status) []ID {
	var out []ID
	for _, id := range s.order {
		if slices.Contains(statuses, s.records[id].Status) {
			out = append(out, id)
		}
	}
	return out
}

// Transition moves a single change and returns its prior status.
func (s *Store) Transition(id ID, to Status) (Status, error) {
	r, ok := s.records[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := r.Status
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s (change %s)", ErrInvalidTransition, from, to, id)
	}
	r.Status = to
	r.Change.Status = to
	return from, nil
}

// ValidateBulk checks every transition without changing anything.
func (s *Store) ValidateBulk(ts []Transition) error {
	seen := make(map[ID]struct{}, len(ts))
	for _, t := range ts {
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("%w: %s listed twice", ErrDuplicate, t.ID)
		}
		seen[t.ID] = struct{}{}
		r, ok := s.records[t.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
		}
		if !CanTransition(r.Status, t.To) {
			return fmt.Errorf("%w: %s -> %s (change %s)", ErrInvalidTransition, r.Status, t.To, t.ID)
		}
	}
	return nil
}

// ApplyBulk applies all transitions or none.
func (s *Store) ApplyBulk(ts []Transition) ([]Applied, error) {
	if err := s.ValidateBulk(ts); err != nil {
		return nil, err
	}
	applied := make([]Applied, 0, len(ts))
	for _, t := range ts {
		r := s.records[t.ID]
		applied = append(applied, Applied{ID: t.ID, From: r.Status, To: t.To})
		r.Status = t.To
		r.Change.Status = t.To
	}
	return applied, nil
}

// PackCandidates returns copies of terminal changes still held unpacked.
func (s *Store) PackCandidates() []*Change {
	var out []*Change
	for _, id := range s.order {
		r := s.records[id]
		if r.Status.Terminal() && r.Change != nil {
			out = append(out, r.Change.Clone())
		}
	}
	return out
}

// ApplyPacked swaps in packed bodies computed off the mutation path. Records
// that are gone or already packed are skipped. Returns the number swapped.
func (s *Store) ApplyPacked(packed map[ID]Packed) int {
	n := 0
	for id, p := range packed {
		r, ok := s.records[id]
		if !ok || r.Change == nil || !r.Status.Terminal() {
			continue
		}
		pk := p
		r.Packed = &pk
		r.Change = nil
		n++
	}
	return n
}

// Records returns the stored records in submission order. Bodies are copied.
func (s *Store) Records() []Record {
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		r := *s.records[id]
		if r.Change != nil {
			r.Change = r.Change.Clone()
		}
		out = append(out, r)
	}
	return out
}

// Len returns the number of changes.
func (s *Store) Len() int { return len(s.order) }

// Stats returns counts by status and packing.
func (s *Store) Stats() Stats {
	st := Stats{Total: len(s.order), ByStatus: make(map[Status]int, 4)}
	for _, r := range s.records {
		st.ByStatus[r.Status]++
		if r.Packed != nil {
			st.Packed++
		}
	}
	return st
}

// Packer returns the configured packer.
func (s *Store) Packer() Packer { return s.packer }
