// Package privacy drops events whose text matches a sensitive pattern.
//
// Matching events are dropped whole. Partial redaction is never attempted,
// since the remnants of a redacted secret can still leak it.
package privacy

import (
	"log/slog"
	"regexp"
)

// Patterns is an ordered list of compiled exclusion patterns.
type Patterns []*regexp.Regexp

// Compile compiles exclusion patterns in order. Malformed patterns are
// skipped with a warning.
func Compile(exprs []string) Patterns {
	out := make(Patterns, 0, len(exprs))
	for i, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			slog.Warn("skipping malformed exclusion pattern", "index", i, "pattern", expr, "error", err)
			continue
		}
		out = append(out, re)
	}
	return out
}

// Filter returns text unchanged and true, or "" and false when any pattern
// matches. The first matching pattern wins.
func Filter(text string, patterns Patterns) (string, bool) {
	if Match(text, patterns) >= 0 {
		return "", false
	}
	return text, true
}

// Match returns the index of the first pattern matching text, or -1.
func Match(text string, patterns Patterns) int {
	for i, re := range patterns {
		if re.MatchString(text) {
			return i
		}
	}
	return -1
}
