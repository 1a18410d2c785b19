// Package jsonutil decodes JSON that LLMs embed in prose. Providers rarely
// return the bare object they were asked for: output arrives wrapped in
// markdown code fences, prefixed by <think> reasoning blocks, or surrounded
// by chatty text. Callers get a (value, error) result and branch on it.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Unmarshal extracts the first JSON object or array embedded in content and
// decodes it into v. It tries, in order: the raw content, the content with
// reasoning tags and code fences stripped, and finally the brace-matched
// JSON bounds within the remaining text. Invalid escape sequences produced
// by some models are repaired before giving up.
func Unmarshal(content string, v any) error {
	candidate, ok := Extract(content)
	if !ok {
		return fmt.Errorf("no JSON value found in content (%d bytes)", len(content))
	}
	if err := json.Unmarshal([]byte(candidate), v); err != nil {
		if err2 := json.Unmarshal([]byte(SanitizeEscapes(candidate)), v); err2 != nil {
			return fmt.Errorf("decode extracted JSON: %w", err)
		}
	}
	return nil
}

// Extract locates the first complete JSON object or array in content,
// after removing <think> blocks and markdown code fences. The boolean is
// false when no balanced JSON value exists.
func Extract(content string) (string, bool) {
	content = StripThinkTags(content)
	content = stripCodeFence(strings.TrimSpace(content))

	start, end := findBounds(content)
	if start < 0 {
		return "", false
	}
	return content[start:end], true
}

// StripThinkTags removes every <think>...</think> block from content.
// Text without such blocks is returned unchanged, so the call is idempotent.
func StripThinkTags(content string) string {
	for {
		open := strings.Index(content, "<think>")
		if open < 0 {
			return content
		}
		close := strings.Index(content[open:], "</think>")
		if close < 0 {
			return content[:open]
		}
		content = content[:open] + content[open+close+len("</think>"):]
	}
}

// stripCodeFence unwraps a markdown code fence (```json ... ```) if the
// content is fenced; otherwise returns it unchanged.
func stripCodeFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	lines := strings.Split(content, "\n")
	if len(lines) >= 3 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return content
}

// findBounds locates the first top-level JSON object ({}) or array ([]) in s.
// Returns the start index and end+1 index, or (-1, -1) if none is balanced.
func findBounds(s string) (int, int) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, -1
	}

	openChar := s[start]
	var closeChar byte
	if openChar == '{' {
		closeChar = '}'
	} else {
		closeChar = ']'
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++ // skip escaped character
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

// SanitizeEscapes fixes invalid JSON escape sequences produced by some LLMs.
// Valid JSON escapes: \", \\, \/, \b, \f, \n, \r, \t, \uXXXX.
// Invalid ones (e.g. \% or \Y) are corrected by dropping the backslash.
func SanitizeEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			next := s[i+1]
			switch next {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch) // valid escape, keep the backslash
			default:
				continue // invalid escape, drop the backslash
			}
		} else {
			buf.WriteByte(ch)
		}
	}
	return buf.String()
}
