package ingest

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per ingest failure kind. Use errors.Is against these.
var (
	ErrInvalidRange      = errors.New("ingest: invalid range")
	ErrInvalidEdit       = errors.New("ingest: invalid edit")
	ErrInvalidConfidence = errors.New("ingest: confidence outside [0,1]")
	ErrInvalidSource     = errors.New("ingest: invalid source tag")
)

// Error describes why a raw edit was refused. Nothing is stored when ingest
// returns an Error.
type Error struct {
	Kind   error
	Field  string
	Detail string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%v: %s: %s", e.Kind, e.Field, e.Detail)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, field, format string, args ...any) *Error {
	return &Error{Kind: kind, Field: field, Detail: fmt.Sprintf(format, args...)}
}
