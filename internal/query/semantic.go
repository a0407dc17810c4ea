package query

import (
	"fmt"
	"strings"
	"unicode"
)

// Semantic scores how related text is to a query, in [0, 1]. Scorers are
// optional; search falls back to keywords alone when one is missing or
// fails.
type Semantic interface {
	Similarity(query, text string) (float64, error)
}

// NewSemantic returns the scorer named in config, or nil for "off" or "".
func NewSemantic(name string) (Semantic, error) {
	switch strings.ToLower(name) {
	case "", "off", "none":
		return nil, nil
	case "trigram":
		return Trigram{}, nil
	}
	return nil, fmt.Errorf("%w: unknown semantic scorer %q", ErrInvalidRequest, name)
}

// Trigram scores the share of the query's character trigrams found in the
// text. It matches typos and partial words that exact terms miss.
type Trigram struct{}

// Similarity implements Semantic.
func (Trigram) Similarity(query, text string) (float64, error) {
	q := trigrams(query)
	if len(q) == 0 {
		return 0, nil
	}
	t := trigrams(text)
	if len(t) == 0 {
		return 0, nil
	}
	shared := 0
	for g := range q {
		if _, ok := t[g]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(q)), nil
}

func trigrams(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		padded := []rune(" " + word + " ")
		for i := 0; i+3 <= len(padded); i++ {
			out[string(padded[i:i+3])] = struct{}{}
		}
	}
	return out
}
