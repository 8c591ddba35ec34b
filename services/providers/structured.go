package providers

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var codeFencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)\\s*```")

var errNoJSON = errors.New("no JSON value found")

type candidate struct {
	text string
	// scalar admits bare strings, numbers, booleans and null
	scalar bool
}

// ParseStructured extracts a JSON document from model output. It tries, in
// order: the content of a markdown code fence, the whole trimmed text, and
// the first balanced {...} or [...] substring. The fenced and whole-text
// candidates may be any JSON value; the substring search only finds objects
// and arrays. The returned message is the compact form of the first
// candidate that parses.
func ParseStructured(text string) (json.RawMessage, error) {
	candidates := make([]candidate, 0, 3)
	if m := codeFencePattern.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, candidate{text: m[1], scalar: true})
	}
	candidates = append(candidates, candidate{text: text, scalar: true})
	if sub, ok := firstBalanced(text); ok {
		candidates = append(candidates, candidate{text: sub})
	}

	var lastErr error = errNoJSON
	for _, c := range candidates {
		trimmed := strings.TrimSpace(c.text)
		if trimmed == "" {
			continue
		}
		if !c.scalar && trimmed[0] != '{' && trimmed[0] != '[' {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(trimmed)); err != nil {
			lastErr = err
			continue
		}
		return buf.Bytes(), nil
	}

	return nil, &ParseError{Snippet: snippet(text), Cause: lastErr}
}

// firstBalanced returns the first substring starting at '{' or '[' whose
// brackets balance, skipping brackets inside JSON string literals.
func firstBalanced(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	for start >= 0 {
		if end, ok := matchClose(text, start); ok {
			return text[start : end+1], true
		}
		next := strings.IndexAny(text[start+1:], "{[")
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchClose(text string, start int) (int, bool) {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func snippet(text string) string {
	const max = 120
	text = strings.TrimSpace(text)
	if len(text) > max {
		return text[:max] + "..."
	}
	return text
}

// ParseCompletion is ParseStructured with the provider name recorded on the
// returned *ParseError.
func ParseCompletion(provider, text string) (json.RawMessage, error) {
	out, err := ParseStructured(text)
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		parseErr.Provider = provider
		return nil, parseErr
	}
	return out, err
}
