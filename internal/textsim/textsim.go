// Package textsim turns free text into comparable token sets and scores their
// lexical overlap.
package textsim

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// TokenSet is an unordered set of tokens.
type TokenSet map[string]struct{}

// Has reports whether tok is in the set.
func (s TokenSet) Has(tok string) bool {
	_, ok := s[tok]
	return ok
}

// Slice returns the tokens in unspecified order.
func (s TokenSet) Slice() []string {
	out := make([]string, 0, len(s))
	for tok := range s {
		out = append(out, tok)
	}
	return out
}

// Tokenize lower-cases text, replaces punctuation and symbols with spaces and
// returns the whitespace-separated words. Runes outside basic Latin are also
// concatenated in order and every overlapping two-rune substring of that run is
// added, which approximates word boundaries for scripts written without spaces.
func Tokenize(text string) TokenSet {
	normalized := normalize(text)
	out := make(TokenSet)
	for _, w := range strings.Fields(normalized) {
		out[w] = struct{}{}
	}

	var dense []rune
	for _, r := range normalized {
		if r > unicode.MaxASCII && !unicode.IsSpace(r) {
			dense = append(dense, r)
		}
	}
	for i := 0; i+1 < len(dense); i++ {
		out[string(dense[i:i+2])] = struct{}{}
	}
	return out
}

// Similarity is the Jaccard index of a and b. Either set being empty scores 0.
func Similarity(a, b TokenSet) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for tok := range small {
		if large.Has(tok) {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func normalize(text string) string {
	text = strings.ToLower(norm.NFKC.String(text))
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsMark(r), r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return b.String()
}
