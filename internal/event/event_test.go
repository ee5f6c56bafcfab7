package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changetrack/internal/change"
	"changetrack/internal/conflict"
)

func TestConstructors_Validate(t *testing.T) {
	_, err := NewChangeAdded("", &change.Change{ID: "a"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = NewChangeAdded("doc", &change.Change{})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = NewStatusChanged("doc", "a", change.SourceManual, change.Accepted, change.Pending, "me", "")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = NewConflictDetected("doc", conflict.Set{Change: "a"})
	assert.ErrorIs(t, err, ErrInvalid)

	ev, err := NewStatusChanged("doc", "a", change.SourceAIGrammar, change.Pending, change.Accepted, "me", "op")
	require.NoError(t, err)
	assert.Equal(t, KindStatusChanged, ev.Kind())
	assert.Equal(t, "doc", ev.DocumentID())
	assert.False(t, ev.At().IsZero())
}

func TestDispatcher_RoutesByKind(t *testing.T) {
	d := NewDispatcher(nil)

	var added, all []Kind
	d.Subscribe(func(ev Event) { added = append(added, ev.Kind()) }, KindChangeAdded)
	sub := d.Subscribe(func(ev Event) { all = append(all, ev.Kind()) })

	d.Emit(NewChangeAdded("doc", &change.Change{ID: "a"}))
	d.Emit(NewPersistenceRestored("doc"))

	assert.Equal(t, []Kind{KindChangeAdded}, added)
	assert.Equal(t, []Kind{KindChangeAdded, KindPersistenceRestored}, all)

	d.Unsubscribe(sub)
	d.Emit(NewPersistenceRestored("doc"))
	assert.Len(t, all, 2)
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := NewDispatcher(nil)
	var reached bool
	d.Subscribe(func(Event) { panic("handler bug") }, KindBackgroundFailed)
	d.Subscribe(func(Event) { reached = true }, KindBackgroundFailed)

	d.Emit(NewBackgroundFailed("doc", "snapshot", errors.New("disk full")))

	assert.True(t, reached)
	st := d.Stats()
	assert.Equal(t, uint64(1), st.Panics)
	assert.Equal(t, uint64(1), st.Delivered)
}

func TestEmit_DropsInvalid(t *testing.T) {
	d := NewDispatcher(nil)
	called := false
	d.Subscribe(func(Event) { called = true })
	d.Emit(NewBackgroundFailed("doc", "", nil))
	assert.False(t, called)
	assert.Equal(t, uint64(0), d.Stats().Published)
}
