// Package policy applies content policy to message bodies before they are
// persisted.
package policy

import "regexp"

type redactionRule struct {
	marker  string
	pattern *regexp.Regexp
}

// Rule order matters: cards run before phones so long digit runs are not
// consumed as phone numbers.
var redactionRules = []redactionRule{
	{"[REDACTED_EMAIL]", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"[REDACTED_CARD]", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{"[REDACTED_PHONE]", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

// RedactPII masks common high-risk PII patterns. Message bodies go through
// this before they reach long-term storage.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
