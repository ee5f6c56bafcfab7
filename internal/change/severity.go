package change

import (
	"fmt"
	"strings"
)

// Severity ranks changes from cosmetic to substantive.
type Severity uint8

const (
	SeverityTrivial Severity = iota + 1
	SeverityMinor
	SeverityModerate
	SeverityMajor
)

func (s Severity) String() string {
	switch s {
	case SeverityTrivial:
		return "trivial"
	case SeverityMinor:
		return "minor"
	case SeverityModerate:
		return "moderate"
	case SeverityMajor:
		return "major"
	default:
		return "unknown"
	}
}

// ParseSeverity parses a severity name.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trivial":
		return SeverityTrivial, nil
	case "minor":
		return SeverityMinor, nil
	case "moderate":
		return SeverityModerate, nil
	case "major":
		return SeverityMajor, nil
	default:
		return 0, fmt.Errorf("change: unknown severity %q", s)
	}
}

// SeverityForCategory maps a category to its default severity.
func SeverityForCategory(category string) Severity {
	switch category {
	case "formatting", "whitespace", "punctuation":
		return SeverityTrivial
	case "grammar", "spelling", "manual":
		return SeverityMinor
	case "style":
		return SeverityModerate
	case "structure", "content":
		return SeverityMajor
	default:
		return SeverityModerate
	}
}
