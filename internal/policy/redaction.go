package policy

import "regexp"

var (
	jwtPattern   = regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`)
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// RedactSecrets masks signed tokens and email addresses before text reaches
// logs or error bodies.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := jwtPattern.ReplaceAllString(out, "[REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	return out, changed
}
