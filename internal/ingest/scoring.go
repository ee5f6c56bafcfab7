package ingest

import (
	"strings"

	"changetrack/internal/change"
)

// Rule is the default confidence and category for a source.
type Rule struct {
	Confidence float64
	Category   string
}

type keywordRule struct {
	words    []string
	category string
}

// Scorer assigns confidence and category as a pure function of the source
// tag and the optional reason text.
type Scorer struct {
	rules    map[change.Source]Rule
	fallback Rule
	keywords []keywordRule
}

// DefaultScorer returns the built-in scoring table.
func DefaultScorer() *Scorer {
	return &Scorer{
		rules: map[change.Source]Rule{
			change.SourceManual:      {Confidence: 1.0, Category: "manual"},
			change.SourceAIGrammar:   {Confidence: 0.9, Category: "grammar"},
			change.SourceAIStyle:     {Confidence: 0.75, Category: "style"},
			change.SourceAIContent:   {Confidence: 0.6, Category: "content"},
			change.SourceAIStructure: {Confidence: 0.65, Category: "structure"},
		},
		fallback: Rule{Confidence: 1.0, Category: "manual"},
		keywords: []keywordRule{
			{words: []string{"spelling", "typo", "grammar"}, category: "grammar"},
			{words: []string{"tone", "clarity", "wording"}, category: "style"},
			{words: []string{"reorder", "heading", "restructure"}, category: "structure"},
		},
	}
}

// WithRule overrides the rule for one source.
func (s *Scorer) WithRule(src change.Source, r Rule) *Scorer {
	s.rules[src] = r
	return s
}

// Score returns confidence and category for a source and reason. Reason
// keywords refine the category of AI sources only; manual edits stay manual.
func (s *Scorer) Score(src change.Source, reason string) (float64, string) {
	r, ok := s.rules[src]
	if !ok {
		return s.fallback.Confidence, s.fallback.Category
	}
	if reason == "" || !src.IsAI() {
		return r.Confidence, r.Category
	}
	lower := strings.ToLower(reason)
	for _, kw := range s.keywords {
		for _, w := range kw.words {
			if strings.Contains(lower, w) {
				return r.Confidence, kw.category
			}
		}
	}
	return r.Confidence, r.Category
}
