// Package textnorm holds the tokenizer shared by indexing, querying and scoring.
// Every component that compares text lexically must go through Tokenize so
// index-time and query-time terms agree.
package textnorm

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "been": {}, "but": {},
	"by": {}, "can": {}, "could": {}, "did": {}, "do": {}, "does": {}, "for": {}, "from": {},
	"had": {}, "has": {}, "have": {}, "he": {}, "her": {}, "his": {}, "how": {}, "i": {}, "if": {},
	"in": {}, "into": {}, "is": {}, "it": {}, "its": {}, "may": {}, "might": {}, "of": {}, "on": {},
	"or": {}, "she": {}, "should": {}, "so": {}, "than": {}, "that": {}, "the": {}, "their": {},
	"them": {}, "then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "those": {}, "to": {},
	"was": {}, "we": {}, "were": {}, "what": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"why": {}, "will": {}, "with": {}, "would": {}, "you": {}, "your": {},
}

// Staging and grading in clinical text mixes roman and arabic numerals.
var numerals = map[string]string{
	"ii":  "2",
	"iii": "3",
	"iv":  "4",
}

// Tokenize lowercases s and splits it into letter/digit runs. Roman
// numerals II-IV are folded to digits.
func Tokenize(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 24)
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		token := b.String()
		if folded, ok := numerals[token]; ok {
			token = folded
		}
		out = append(out, token)
		b.Reset()
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		flush()
	}
	flush()
	return out
}

// Terms is Tokenize without stopwords.
func Terms(s string) []string {
	tokens := Tokenize(s)
	out := tokens[:0]
	for _, token := range tokens {
		if IsStopword(token) {
			continue
		}
		out = append(out, token)
	}
	return out
}

func IsStopword(token string) bool {
	_, ok := stopwords[token]
	return ok
}

// TermSet returns the distinct non-stopword terms of s.
func TermSet(s string) map[string]struct{} {
	terms := Terms(s)
	out := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		out[term] = struct{}{}
	}
	return out
}

// NormalizeQuery canonicalizes query text for fingerprinting: case, punctuation
// and whitespace differences collapse to the same string.
func NormalizeQuery(q string) string {
	return strings.Join(Tokenize(q), " ")
}
