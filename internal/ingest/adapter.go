// Package ingest converts raw edit events into tracked changes.
//
// Raw edits arrive from the editor (manual typing) or from AI integrations
// (proposals that carry their own confidence). The adapter validates the
// edit, checks its range against the document bounds, scores it, and hands
// back a Pending change. Validation failures return *Error and store nothing.
package ingest

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"changetrack/internal/change"
)

// RawEdit is an edit event before it becomes a Change.
type RawEdit struct {
	Type       string            `json:"type" yaml:"type" validate:"required,oneof=insert delete replace"`
	Start      uint32            `json:"start" yaml:"start"`
	End        uint32            `json:"end" yaml:"end"`
	Before     string            `json:"before,omitempty" yaml:"before,omitempty" validate:"max=1048576"`
	After      string            `json:"after,omitempty" yaml:"after,omitempty" validate:"max=1048576"`
	Source     string            `json:"source,omitempty" yaml:"source,omitempty" validate:"omitempty,max=64,printascii"`
	Confidence *float64          `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty" validate:"max=64"`
	Timestamp  time.Time         `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

// Bounds reports whether a range fits the document. *change.Store implements it.
type Bounds interface {
	InBounds(p change.Position) bool
	DocumentLength() uint32
}

// Adapter turns raw edits into changes.
type Adapter struct {
	scorer   *Scorer
	validate *validator.Validate
	now      func() time.Time
	newID    func() change.ID
}

// NewAdapter creates an adapter. A nil scorer uses DefaultScorer.
func NewAdapter(scorer *Scorer) *Adapter {
	if scorer == nil {
		scorer = DefaultScorer()
	}
	return &Adapter{
		scorer:   scorer,
		validate: validator.New(),
		now:      time.Now,
		newID:    func() change.ID { return change.ID(uuid.NewString()) },
	}
}

// Convert validates raw and returns the Pending change it describes. The
// returned change has no submission sequence yet.
func (a *Adapter) Convert(documentID string, raw RawEdit, bounds Bounds) (*change.Change, error) {
	if raw.Start > raw.End {
		return nil, newError(ErrInvalidRange, "start", "start %d is after end %d", raw.Start, raw.End)
	}
	if bounds != nil && !bounds.InBounds(change.Position{Start: raw.Start, End: raw.End}) {
		return nil, newError(ErrInvalidRange, "end", "range [%d,%d) exceeds document length %d",
			raw.Start, raw.End, bounds.DocumentLength())
	}
	if err := a.validate.Struct(raw); err != nil {
		return nil, a.fieldError(err)
	}

	typ, err := change.ParseType(raw.Type)
	if err != nil {
		return nil, newError(ErrInvalidEdit, "type", "%v", err)
	}
	switch typ {
	case change.Insert:
		if raw.Before != "" {
			return nil, newError(ErrInvalidEdit, "before", "insert must not carry removed text")
		}
		if raw.After == "" {
			return nil, newError(ErrInvalidEdit, "after", "insert has no text")
		}
	case change.Delete:
		if raw.After != "" {
			return nil, newError(ErrInvalidEdit, "after", "delete must not carry inserted text")
		}
		if raw.Start == raw.End {
			return nil, newError(ErrInvalidRange, "end", "delete over an empty range")
		}
	}

	src := change.Source(raw.Source)
	if src == "" {
		src = change.SourceManual
	}
	confidence, category := a.scorer.Score(src, raw.Metadata["reason"])
	if raw.Confidence != nil {
		c := *raw.Confidence
		if c < 0 || c > 1 || math.IsNaN(c) {
			return nil, newError(ErrInvalidConfidence, "confidence", "got %v", c)
		}
		confidence = c
	}
	if cat := strings.TrimSpace(raw.Metadata["category"]); cat != "" {
		category = cat
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}

	var meta map[string]string
	if len(raw.Metadata) > 0 {
		meta = make(map[string]string, len(raw.Metadata))
		for k, v := range raw.Metadata {
			meta[k] = v
		}
	}

	return &change.Change{
		ID:         a.newID(),
		DocumentID: documentID,
		Type:       typ,
		Source:     src,
		Confidence: confidence,
		Category:   category,
		Content:    change.Content{Before: raw.Before, After: raw.After},
		Position:   change.Position{Start: raw.Start, End: raw.End},
		Status:     change.Pending,
		Metadata:   meta,
		Timestamp:  ts.UTC(),
	}, nil
}

func (a *Adapter) fieldError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return newError(ErrInvalidEdit, "", "%v", err)
	}
	fe := verrs[0]
	kind := ErrInvalidEdit
	if fe.Field() == "Source" {
		kind = ErrInvalidSource
	}
	return newError(kind, strings.ToLower(fe.Field()), "failed %q validation", fe.Tag())
}
