package extract

import (
	"bytes"
	"encoding/json"
	"strings"
)

// FirstObject returns the first balanced top-level {...} span in text that
// parses as a JSON object. Braces inside string literals are ignored.
func FirstObject(text string) (string, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		// an unclosed brace may be stray prose; keep scanning
		if end := matchBrace(text, start); end >= 0 {
			if candidate := text[start : end+1]; json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the index of the brace closing the one at open, or -1.
func matchBrace(text string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(text); i++ {
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
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Canonical re-encodes a JSON object compactly with sorted keys. Numbers are
// kept verbatim and HTML characters are not escaped, so Canonical is a fixed
// point on its own output.
func Canonical(raw string) (string, bool) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return "", false
	}
	if dec.More() {
		return "", false
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return "", false
	}
	return strings.TrimSuffix(buf.String(), "\n"), true
}

// StripFences removes markdown code fence lines (``` or ```json).
func StripFences(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			rest := strings.TrimPrefix(strings.TrimSpace(line), "```")
			// inline fence: ```{"a":1}```
			rest = strings.TrimSuffix(strings.TrimPrefix(rest, "json"), "```")
			if strings.HasPrefix(strings.TrimSpace(rest), "{") {
				kept = append(kept, rest)
			}
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
