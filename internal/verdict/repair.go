package verdict

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Repair rewrites almost-JSON into JSON. The passes target the failure modes
// seen in model output: markdown code fences, prose around the object,
// trailing commas, raw control characters inside strings, and truncation.
// The result is only returned when it validates.
func Repair(raw string) (string, error) {
	s := stripFences(strings.TrimSpace(raw))
	s = sliceObject(s)
	if s == "" {
		return "", fmt.Errorf("verdict: no JSON object in output")
	}
	s = stripTrailingCommas(s)
	s = escapeControlChars(s)
	s = closeTruncated(s)
	if !json.Valid([]byte(s)) {
		return "", fmt.Errorf("verdict: output invalid after repair")
	}
	return s, nil
}

func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// sliceObject cuts out the outermost balanced object, string and escape
// aware. When the object never closes (truncated output) everything from the
// first brace on is kept for the later closing pass.
func sliceObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

func stripTrailingCommas(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == ',':
			// Drop the comma when the next non-space byte closes a
			// container.
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		out.WriteByte(c)
	}
	return out.String()
}

func escapeControlChars(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			out.WriteByte(c)
			continue
		}
		if inString && c == '\\' {
			escaped = true
			out.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = !inString
			out.WriteByte(c)
			continue
		}
		if inString && c < 0x20 {
			switch c {
			case '\n':
				out.WriteString(`\n`)
			case '\r':
				out.WriteString(`\r`)
			case '\t':
				out.WriteString(`\t`)
			default:
				fmt.Fprintf(&out, `\u%04x`, c)
			}
			continue
		}
		out.WriteByte(c)
	}
	return out.String()
}

// closeTruncated appends whatever closers a truncated document is missing:
// the open string first, then brackets and braces innermost-out. A dangling
// comma or colon at the cut point is patched so the closers parse.
func closeTruncated(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			stack = append(stack, c)
		case c == '}' || c == ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if !inString && len(stack) == 0 {
		return s
	}

	if inString {
		s += `"`
	}
	s = strings.TrimRight(s, " \t\r\n")
	for strings.HasSuffix(s, ",") {
		s = strings.TrimRight(s[:len(s)-1], " \t\r\n")
	}
	if strings.HasSuffix(s, ":") {
		s += " null"
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}
	return s
}
