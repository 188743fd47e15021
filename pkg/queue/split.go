package queue

import (
	"strings"
)

type scanState int

const (
	stateNormal scanState = iota
	stateSingleQuote
	stateDoubleQuote
	stateDollarQuote
	stateLineComment
	stateBlockComment
)

// SplitStatements splits a script into top-level statements on ';'.
// Semicolons inside string literals, quoted identifiers, dollar-quoted
// strings and comments do not split. Fragments holding only whitespace or
// comments are dropped, and the separating semicolons are not included.
func SplitStatements(script string) []string {
	var (
		stmts      []string
		start      int
		hasContent bool
		state      = stateNormal
		dollarTag  string
	)

	flush := func(end int) {
		if hasContent {
			stmts = append(stmts, strings.TrimSpace(script[start:end]))
		}
		hasContent = false
	}

	for i := 0; i < len(script); i++ {
		c := script[i]
		switch state {
		case stateNormal:
			switch {
			case c == ';':
				flush(i)
				start = i + 1
			case c == '\'':
				state = stateSingleQuote
				hasContent = true
			case c == '"':
				state = stateDoubleQuote
				hasContent = true
			case c == '-' && i+1 < len(script) && script[i+1] == '-':
				state = stateLineComment
				i++
			case c == '/' && i+1 < len(script) && script[i+1] == '*':
				state = stateBlockComment
				i++
			case c == '$':
				if tag, ok := dollarQuoteTag(script[i:]); ok {
					dollarTag = tag
					state = stateDollarQuote
					i += len(tag) - 1
				}
				hasContent = true
			case !isSpace(c):
				hasContent = true
			}
		case stateSingleQuote:
			if c == '\'' {
				if i+1 < len(script) && script[i+1] == '\'' {
					i++
				} else {
					state = stateNormal
				}
			}
		case stateDoubleQuote:
			if c == '"' {
				if i+1 < len(script) && script[i+1] == '"' {
					i++
				} else {
					state = stateNormal
				}
			}
		case stateDollarQuote:
			if c == '$' && strings.HasPrefix(script[i:], dollarTag) {
				i += len(dollarTag) - 1
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
			}
		case stateBlockComment:
			if c == '*' && i+1 < len(script) && script[i+1] == '/' {
				state = stateNormal
				i++
			}
		}
	}
	flush(len(script))
	return stmts
}

// IsMultiStatement reports whether script holds more than one statement.
func IsMultiStatement(script string) bool {
	return len(SplitStatements(script)) > 1
}

// dollarQuoteTag returns the opening tag ("$$" or "$name$") at the start of s.
func dollarQuoteTag(s string) (string, bool) {
	for j := 1; j < len(s); j++ {
		c := s[j]
		if c == '$' {
			return s[:j+1], true
		}
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || j > 1 && c >= '0' && c <= '9') {
			return "", false
		}
	}
	return "", false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}
