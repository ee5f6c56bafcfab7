package change

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChange(id string, start, end uint32) *Change {
	return &Change{
		ID:         ID(id),
		DocumentID: "doc-1",
		Type:       Replace,
		Source:     SourceManual,
		Confidence: 1.0,
		Category:   "manual",
		Content:    Content{Before: "a", After: "b"},
		Position:   Position{Start: start, End: end},
		Status:     Pending,
		Timestamp:  time.Unix(1700000000, 0).UTC(),
	}
}

// =============================================================================
// Status Machine Tests
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{Pending, Accepted, true},
		{Pending, Rejected, true},
		{Pending, Conflicted, true},
		{Pending, Pending, false},
		{Conflicted, Accepted, true},
		{Conflicted, Rejected, true},
		{Conflicted, Pending, false},
		{Accepted, Pending, false},
		{Accepted, Rejected, false},
		{Rejected, Accepted, false},
		{Rejected, Conflicted, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"_to_"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestChange_Transition(t *testing.T) {
	c := newTestChange("c1", 0, 5)

	require.NoError(t, c.Transition(Conflicted))
	require.NoError(t, c.Transition(Accepted))

	err := c.Transition(Pending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Accepted, c.Status)
}

func TestPosition_Overlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Position
		want bool
	}{
		{"identical", Position{10, 20}, Position{10, 20}, true},
		{"partial", Position{10, 20}, Position{15, 25}, true},
		{"contained", Position{10, 40}, Position{15, 25}, true},
		{"touching", Position{10, 20}, Position{20, 30}, false},
		{"disjoint", Position{0, 5}, Position{50, 60}, false},
		{"points at same offset", Position{5, 5}, Position{5, 5}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Overlaps(tt.b))
			assert.Equal(t, tt.want, tt.b.Overlaps(tt.a))
		})
	}
}

func TestChange_JSONUsesNames(t *testing.T) {
	c := newTestChange("c1", 3, 9)
	data, err := json.Marshal(c)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "replace", raw["type"])
	assert.Equal(t, "pending", raw["status"])

	var back Change
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, c.Position, back.Position)
	assert.Equal(t, Replace, back.Type)
}

func TestChange_Severity(t *testing.T) {
	c := newTestChange("c1", 0, 1)
	c.Category = "grammar"
	assert.Equal(t, SeverityMinor, c.Severity())

	c.Category = "structure"
	assert.Equal(t, SeverityMajor, c.Severity())

	c.Metadata = map[string]string{"severity": "trivial"}
	assert.Equal(t, SeverityTrivial, c.Severity())
}

// =============================================================================
// Store Tests
// =============================================================================

func TestStore_AddGet(t *testing.T) {
	s := NewStore("doc-1", nil)
	c := newTestChange("c1", 0, 5)
	require.NoError(t, s.Add(c))

	got, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, c.Position, got.Position)

	got.Content.After = "mutated"
	again, _ := s.Get("c1")
	assert.Equal(t, "b", again.Content.After)

	assert.ErrorIs(t, s.Add(c), ErrDuplicate)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Bounds(t *testing.T) {
	s := NewStore("doc-1", nil)
	s.SetDocumentLength(100)

	assert.True(t, s.InBounds(Position{0, 100}))
	assert.False(t, s.InBounds(Position{90, 101}))
	assert.False(t, s.InBounds(Position{10, 5}))
	assert.ErrorIs(t, s.Add(newTestChange("c1", 95, 120)), ErrOutOfBounds)
}

func TestStore_ApplyBulkAllOrNothing(t *testing.T) {
	s := NewStore("doc-1", nil)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Add(newTestChange(id, uint32(i*10), uint32(i*10+5))))
	}
	_, err := s.Transition("b", Rejected)
	require.NoError(t, err)

	_, err = s.ApplyBulk([]Transition{{"a", Accepted}, {"b", Accepted}, {"c", Accepted}})
	require.ErrorIs(t, err, ErrInvalidTransition)

	st, _ := s.StatusOf("a")
	assert.Equal(t, Pending, st, "failed bulk must not leave partial state")

	applied, err := s.ApplyBulk([]Transition{{"a", Accepted}, {"c", Accepted}})
	require.NoError(t, err)
	assert.Len(t, applied, 2)
	assert.Equal(t, Pending, applied[0].From)
}

type fakePacker struct{ packed map[ID]*Change }

func (f *fakePacker) Pack(c *Change) (Packed, error) {
	f.packed[c.ID] = c.Clone()
	return Packed{Codec: "fake", Data: []byte(c.ID), RawSize: 1}, nil
}

func (f *fakePacker) Unpack(p Packed) (*Change, error) {
	return f.packed[ID(p.Data)].Clone(), nil
}

func TestStore_PackTerminal(t *testing.T) {
	fp := &fakePacker{packed: map[ID]*Change{}}
	s := NewStore("doc-1", fp)
	require.NoError(t, s.Add(newTestChange("a", 0, 5)))
	require.NoError(t, s.Add(newTestChange("b", 10, 15)))
	_, err := s.Transition("a", Accepted)
	require.NoError(t, err)

	cands := s.PackCandidates()
	require.Len(t, cands, 1)
	p, _ := fp.Pack(cands[0])
	assert.Equal(t, 1, s.ApplyPacked(map[ID]Packed{"a": p, "b": p}))

	st := s.Stats()
	assert.Equal(t, 1, st.Packed)
	assert.Equal(t, 1, st.ByStatus[Accepted])

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, Accepted, got.Status)

	all, err := s.List(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Len(t, s.Pending(), 1)
}
