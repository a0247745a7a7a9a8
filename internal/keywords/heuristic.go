package keywords

import (
	"context"
	"sort"
	"unicode"
	"unicode/utf8"

	"github.com/ent0n29/recall/internal/textsim"
)

const maxHeuristicKeywords = 32

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {}, "you": {},
	"all": {}, "any": {}, "can": {}, "had": {}, "her": {}, "was": {}, "one": {},
	"our": {}, "out": {}, "has": {}, "have": {}, "him": {}, "his": {}, "how": {},
	"its": {}, "may": {}, "new": {}, "now": {}, "old": {}, "see": {}, "two": {},
	"who": {}, "did": {}, "get": {}, "got": {}, "let": {}, "put": {}, "say": {},
	"she": {}, "too": {}, "use": {}, "that": {}, "this": {}, "with": {}, "from": {},
	"they": {}, "will": {}, "would": {}, "there": {}, "their": {}, "what": {},
	"about": {}, "which": {}, "when": {}, "make": {}, "like": {}, "just": {},
	"into": {}, "your": {}, "some": {}, "could": {}, "them": {}, "than": {},
	"then": {}, "been": {}, "were": {}, "also": {}, "very": {}, "okay": {},
}

// HeuristicExtractor derives keywords locally from the token set: Latin words
// that are not stop words become primary keywords, dense-script words and
// bigrams become secondary keywords. It needs no AI backend.
type HeuristicExtractor struct{}

func NewHeuristicExtractor() *HeuristicExtractor { return &HeuristicExtractor{} }

func (h *HeuristicExtractor) Extract(ctx context.Context, text string) ([]string, []string, error) {
	select {
	case <-ctx.Done():
		return nil, nil, failed("%v", ctx.Err())
	default:
	}

	var primary, secondary []string
	for _, tok := range textsim.Tokenize(text).Slice() {
		if isASCII(tok) {
			if utf8.RuneCountInString(tok) < 3 || isNumber(tok) {
				continue
			}
			if _, stop := stopWords[tok]; stop {
				continue
			}
			primary = append(primary, tok)
			continue
		}
		secondary = append(secondary, tok)
	}
	return capKeywords(Normalize(primary)), capKeywords(Normalize(secondary)), nil
}

func capKeywords(in []string) []string {
	if len(in) <= maxHeuristicKeywords {
		return in
	}
	// Keep the longest tokens.
	sort.SliceStable(in, func(i, j int) bool {
		return utf8.RuneCountInString(in[i]) > utf8.RuneCountInString(in[j])
	})
	out := in[:maxHeuristicKeywords]
	sort.Strings(out)
	return out
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
