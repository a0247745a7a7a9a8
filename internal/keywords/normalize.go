// Package keywords normalizes caller-supplied keyword lists and extracts
// keyword annotations from message text.
package keywords

import (
	"sort"
	"strings"
)

// Normalize trims, lower-cases and deduplicates raw, dropping empty entries.
// The result is sorted so equal inputs always produce equal outputs.
func Normalize(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, kw := range raw {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
