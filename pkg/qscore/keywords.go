package qscore

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// stopwords are dropped before overlap comparison; they carry no
// signal about what a task or affordance is actually about.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "in": {}, "is": {}, "it": {},
	"of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "this": {},
	"to": {}, "with": {},
}

// tokenize normalizes to NFC, lowercases, and splits on anything that
// is not a letter or digit. Accented input compares equal regardless
// of the producer's composition form.
func tokenize(s string) []string {
	if s == "" {
		return nil
	}
	normalized := strings.ToLower(norm.NFC.String(s))
	return strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// keywordSet tokenizes one string and drops stopwords.
func keywordSet(s string) map[string]struct{} {
	return keywordSets(s)
}

// keywordSets tokenizes many strings into one keyword set.
func keywordSets(texts ...string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, text := range texts {
		for _, tok := range tokenize(text) {
			if _, stop := stopwords[tok]; stop {
				continue
			}
			out[tok] = struct{}{}
		}
	}
	return out
}

// overlapRatio is |base ∩ other| / |base|. The base set is the task's
// keywords: alignment asks how much of the task the affordances cover.
func overlapRatio(base, other map[string]struct{}) float64 {
	if len(base) == 0 {
		return Neutral
	}
	hits := 0
	for tok := range base {
		if _, ok := other[tok]; ok {
			hits++
		}
	}
	return clamp01(float64(hits) / float64(len(base)))
}

// jaccard is |a ∩ b| / |a ∪ b|. Two empty sets are identical (1); one
// empty set against a non-empty one shares nothing (0).
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 1
	}
	return clamp01(float64(inter) / float64(union))
}
