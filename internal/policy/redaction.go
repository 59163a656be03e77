// Package policy scrubs credentials from text that leaves the process.
package policy

import "regexp"

var (
	queryKeyPattern = regexp.MustCompile(`(?i)([?&](?:api_key|apikey|key|token)=)[^&\s"]+`)
	bearerPattern   = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-]+`)
	openAIKey       = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{8,}`)
)

// RedactSecrets masks API keys in URLs, bearer tokens and OpenAI-style keys.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := queryKeyPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = openAIKey.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	return out, changed
}

// ErrorText is err.Error() with secrets masked. A nil error gives "".
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	out, _ := RedactSecrets(err.Error())
	return out
}
