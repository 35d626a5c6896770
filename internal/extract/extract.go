// Package extract repairs and parses semi-structured JSON text returned by
// LLMs. Models wrap payloads in prose and code fences, drop delimiters, and
// emit malformed escapes; Extract degrades through a tiered pipeline instead
// of failing on the first anomaly, mirroring the transport layer's
// expect-failure philosophy.
package extract

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Extract returns the first well-formed JSON value found in raw, after
// stripping wrappers and attempting common repairs. ok is false when the
// input is irrecoverable; Extract never panics.
//
// Pipeline: strip code fences → direct parse → first balanced {...} or [...]
// span → repairs (trailing commas, raw control characters, single quotes) →
// give up.
func Extract(raw string) (value string, ok bool) {
	text := stripFences(strings.TrimSpace(raw))
	if text == "" {
		return "", false
	}

	if gjson.Valid(text) {
		return text, true
	}

	if span, found := balancedSpan(text); found {
		if gjson.Valid(span) {
			return span, true
		}
		text = span
	}

	repaired := repair(text)
	if gjson.Valid(repaired) {
		return repaired, true
	}

	return "", false
}

// stripFences removes enclosing markdown code-block markers, with or without
// a language tag.
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}

	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 {
		// Drop the language tag line ("json", "JSON", or empty).
		tag := strings.TrimSpace(text[:idx])
		if len(tag) <= 10 && !strings.ContainsAny(tag, "{[") {
			text = text[idx+1:]
		}
	}

	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}

	return strings.TrimSpace(text)
}

// balancedSpan locates the first balanced {...} or [...] region, tolerating
// leading and trailing prose. String contents and escapes are honored so
// braces inside strings do not confuse the scan.
func balancedSpan(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}

	open := text[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
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
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}

	return "", false
}

// repair applies the common fixes in order: normalize single-quoted strings,
// escape raw control characters inside strings, drop trailing commas.
func repair(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inString := false
	quote := byte('"')
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
				b.WriteByte(c)
			case c == '\\':
				escaped = true
				b.WriteByte(c)
			case c == quote:
				inString = false
				b.WriteByte('"')
			case c == '"':
				// A literal double quote inside a single-quoted string must
				// be escaped once the delimiters are normalized.
				b.WriteString(`\"`)
			case c == '\n':
				b.WriteString(`\n`)
			case c == '\r':
				b.WriteString(`\r`)
			case c == '\t':
				b.WriteString(`\t`)
			case c < 0x20:
				// Other raw control characters are dropped outright.
			default:
				b.WriteByte(c)
			}
			continue
		}

		switch c {
		case '"', '\'':
			inString = true
			quote = c
			b.WriteByte('"')
		case ',':
			if next := nextNonSpace(text, i+1); next == '}' || next == ']' {
				continue // trailing comma
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

func nextNonSpace(text string, from int) byte {
	for i := from; i < len(text); i++ {
		switch text[i] {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return text[i]
		}
	}
	return 0
}
