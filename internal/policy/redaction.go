// Package policy holds the rules applied to message text before it leaves the
// process for a third-party AI backend.
package policy

import "regexp"

type redactionRule struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: credentials before emails, cards before phones.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`(?i)\b(bearer\s+)[a-z0-9._\-]{16,}`), "${1}[REDACTED_TOKEN]"},
	{regexp.MustCompile(`(?i)\b((?:api[_-]?key|secret|password|token)\s*[:=]\s*)\S+`), "${1}[REDACTED_SECRET]"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}\b`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII and credential patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
