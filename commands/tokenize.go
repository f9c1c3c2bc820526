package commands

import (
	"strings"
	"unicode"
)

// Tokenize splits text on whitespace. Double quotes group a span into one
// token and are dropped; a backslash makes the next character literal, so an
// escaped space or quote does not split or toggle a span. Empty tokens are
// never produced.
func Tokenize(text string) []string {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
		escaped bool
	)
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range text {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		case unicode.IsSpace(r) && !quoted:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}
