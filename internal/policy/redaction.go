package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	bearerPattern = regexp.MustCompile(`(?i)\b(bearer\s+)[A-Za-z0-9\-._~+/]+=*`)
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Cards go before phones so long digit runs are not reported as phones.
var rules = []rule{
	{emailPattern, "[REDACTED_EMAIL]"},
	{bearerPattern, "${1}[REDACTED_TOKEN]"},
	{cardPattern, "[REDACTED_CARD]"},
	{phonePattern, "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.re.ReplaceAllString(out, r.repl)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// Preview returns a redacted, single-line excerpt of user content that is
// safe to attach to log records.
func Preview(input string, maxRunes int) string {
	out, _ := RedactPII(strings.Join(strings.Fields(input), " "))
	if maxRunes <= 0 || utf8.RuneCountInString(out) <= maxRunes {
		return out
	}
	runes := []rune(out)
	return string(runes[:maxRunes]) + "..."
}
