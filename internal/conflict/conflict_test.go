package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"changetrack/internal/change"
)

func pending(id string, seq uint64, start, end uint32) *change.Change {
	return &change.Change{
		ID:       change.ID(id),
		Status:   change.Pending,
		Position: change.Position{Start: start, End: end},
		Seq:      seq,
	}
}

func TestDetector_Check(t *testing.T) {
	d := NewDetector()
	existing := []*change.Change{
		pending("a", 1, 100, 120),
		pending("b", 2, 300, 310),
		pending("c", 3, 118, 130),
	}

	set := d.Check(pending("new", 4, 110, 119), existing)
	assert.Equal(t, change.ID("new"), set.Change)
	assert.Equal(t, []change.ID{"a", "c"}, set.With)
	assert.Len(t, set.Members(), 3)

	assert.True(t, d.Check(pending("far", 5, 500, 510), existing).Empty())
	assert.True(t, d.Check(pending("touch", 6, 120, 125), existing[:1]).Empty())
}

func TestDetector_IgnoresNonPending(t *testing.T) {
	d := NewDetector()
	accepted := pending("a", 1, 100, 120)
	accepted.Status = change.Accepted
	conflicted := pending("b", 2, 100, 120)
	conflicted.Status = change.Conflicted

	set := d.Check(pending("new", 3, 105, 110), []*change.Change{accepted, conflicted})
	assert.True(t, set.Empty())
}

func TestDetector_OrderIndependent(t *testing.T) {
	d := NewDetector()
	a := pending("a", 1, 100, 120)
	b := pending("b", 2, 110, 115)

	ab := d.Check(b, []*change.Change{a})
	ba := d.Check(a, []*change.Change{b})
	assert.ElementsMatch(t, ab.Members(), ba.Members())
}

func TestDetector_IdenticalProposalsConflict(t *testing.T) {
	d := NewDetector()
	a := pending("a", 1, 10, 20)
	a.Content = change.Content{Before: "x", After: "y"}
	b := pending("b", 2, 10, 20)
	b.Content = a.Content

	assert.False(t, d.Check(b, []*change.Change{a}).Empty())
}

func TestDetector_Scan(t *testing.T) {
	d := NewDetector()
	sets := d.Scan([]*change.Change{
		pending("a", 1, 0, 10),
		pending("b", 2, 5, 15),
		pending("c", 3, 100, 110),
		pending("d", 4, 8, 9),
	})
	assert.Len(t, sets, 1)
	assert.Equal(t, change.ID("a"), sets[0].Change)
	assert.ElementsMatch(t, []change.ID{"b", "d"}, sets[0].With)
}

func TestError(t *testing.T) {
	err := &Error{ChangeIDs: []change.ID{"a", "b"}}
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.Contains(t, err.Error(), "a, b")
}
