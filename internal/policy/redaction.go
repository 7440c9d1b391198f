// Package policy holds content rules applied before chat text leaves the
// conversation buffer for long-term memory.
package policy

import "regexp"

type redaction struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: card numbers would otherwise match the phone pattern.
var redactions = []redaction{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks emails, payment card numbers and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.marker)
	}
	return out, out != input
}
