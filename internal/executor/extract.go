package executor

import (
	"encoding/json"
	"regexp"
	"strings"
)

var codeBlockRe = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON extracts and parses JSON embedded in free-form text, a common
// shape for assistant-style tool results ("Here's the JSON: ```json {...}
// ```"). It tries, in order: the whole string, fenced code blocks, the first
// balanced {...} substring, the first balanced [...] substring. When nothing
// parses the original string is returned unchanged.
func ExtractJSON(text string) any {
	trimmed := strings.TrimSpace(text)

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed
	}

	for _, match := range codeBlockRe.FindAllStringSubmatch(trimmed, -1) {
		block := strings.TrimSpace(match[1])
		if err := json.Unmarshal([]byte(block), &parsed); err == nil {
			return parsed
		}
	}

	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		if candidate, ok := firstBalanced(trimmed, pair[0], pair[1]); ok {
			if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
				return parsed
			}
		}
	}

	return text
}

// firstBalanced returns the first balanced open...close substring, tracking
// nesting depth and skipping delimiters inside JSON strings.
func firstBalanced(text string, open, closer byte) (string, bool) {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
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
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
