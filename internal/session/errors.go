package session

import (
	"context"
	"errors"
	"fmt"
)

// Errors
var (
	ErrTimeout           = errors.New("session: operation timed out")
	ErrNotOpen           = errors.New("session: document is not open")
	ErrAlreadyOpen       = errors.New("session: document is already open")
	ErrClosed            = errors.New("session: document is closed")
	ErrCoordinatorClosed = errors.New("session: coordinator is closed")
	ErrUnknownCluster    = errors.New("session: unknown cluster")
	ErrNotConflicted     = errors.New("session: change is not conflicted")
	ErrNothingPending    = errors.New("session: no pending changes in item")
)

// PersistenceError reports a failed snapshot, log or store operation.
type PersistenceError struct {
	Op         string
	DocumentID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session: persist %s (document %s): %v", e.Op, e.DocumentID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Retryable reports whether err is transient: a missed deadline or a
// persistence failure. The operation left no partial state behind.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *PersistenceError
	return errors.Is(err, ErrTimeout) || errors.As(err, &pe)
}

// timeout converts a context error into ErrTimeout, keeping the cause.
func timeout(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	return err
}
