// Package policy scrubs text before it is persisted or sent to clients.
package policy

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}`)
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]{8,}`)
)

type rule struct {
	pattern *regexp.Regexp
	marker  string
}

// Cards run before phones so long digit runs are classified as cards.
var piiRules = []rule{
	{emailPattern, "[REDACTED_EMAIL]"},
	{cardPattern, "[REDACTED_CARD]"},
	{phonePattern, "[REDACTED_PHONE]"},
}

var secretRules = []rule{
	{bearerPattern, "Bearer [REDACTED]"},
	{apiKeyPattern, "[REDACTED_KEY]"},
}

// RedactPII masks common high-risk PII patterns in conversation text.
func RedactPII(input string) (redacted string, changed bool) {
	return apply(input, piiRules)
}

// RedactSecrets masks credentials that upstream error bodies sometimes echo,
// so provider failures can be reported to clients verbatim.
func RedactSecrets(input string) string {
	out, _ := apply(input, secretRules)
	return out
}

func apply(input string, rules []rule) (string, bool) {
	out := input
	changed := false
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
