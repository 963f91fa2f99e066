package extract

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

var (
	trailingSep   = regexp.MustCompile(`,(\s*[}\]])`)
	bareKey       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_\-]*)(\s*:)`)
	whitespaceRun = regexp.MustCompile(`\s+`)
	quoteReplacer = strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
)

// segment is a run of text that is either one JSON string literal (quoted)
// or structure between string literals.
type segment struct {
	text   string
	quoted bool
	closed bool
}

// splitStrings splits s into alternating structure and string-literal runs,
// honouring backslash escapes. A trailing literal with no closing quote is
// reported with closed=false.
func splitStrings(s string) []segment {
	var segs []segment
	start := 0
	inStr := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				segs = append(segs, segment{text: s[start : i+1], quoted: true, closed: true})
				start = i + 1
				inStr = false
			}
			continue
		}
		if c == '"' {
			if i > start {
				segs = append(segs, segment{text: s[start:i], closed: true})
			}
			start = i
			inStr = true
		}
	}
	if start < len(s) {
		segs = append(segs, segment{text: s[start:], quoted: inStr, closed: !inStr})
	}
	return segs
}

// matchingEnd returns the exclusive end of the bracketed region opened at
// s[open]. complete is false when the region runs off the end of s.
func matchingEnd(s string, open int) (end int, complete bool) {
	depth := 0
	inStr := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return len(s), false
}

// stripFences removes markdown code fence markers.
func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```JSON", "")
	return strings.ReplaceAll(s, "```", "")
}

// repair applies structural fixes to a candidate JSON fragment: smart quotes,
// non-printable runes, bare keys, trailing separators and unterminated
// strings or brackets.
func repair(s string) string {
	s = quoteReplacer.Replace(stripFences(s))

	printable := runes.Remove(runes.Predicate(func(r rune) bool {
		return !unicode.IsPrint(r) && !unicode.IsSpace(r)
	}))
	if cleaned, _, err := transform.String(printable, s); err == nil {
		s = cleaned
	}
	s = strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))

	var b strings.Builder
	for _, seg := range splitStrings(s) {
		if seg.quoted {
			b.WriteString(seg.text)
			continue
		}
		t := bareKey.ReplaceAllString(seg.text, `$1"$2"$3`)
		t = trailingSep.ReplaceAllString(t, "$1")
		b.WriteString(t)
	}
	return closeOpen(b.String())
}

// closeOpen terminates a dangling string literal and appends closers for
// any brackets left open, in reverse order of opening.
func closeOpen(s string) string {
	segs := splitStrings(s)
	var stack []byte
	for _, seg := range segs {
		if seg.quoted {
			continue
		}
		for i := 0; i < len(seg.text); i++ {
			switch seg.text[i] {
			case '{':
				stack = append(stack, '}')
			case '[':
				stack = append(stack, ']')
			case '}', ']':
				if len(stack) > 0 && stack[len(stack)-1] == seg.text[i] {
					stack = stack[:len(stack)-1]
				}
			}
		}
	}

	out := s
	if n := len(segs); n > 0 && segs[n-1].quoted && !segs[n-1].closed {
		out = strings.TrimSuffix(out, `\`) + `"`
	}
	if len(stack) == 0 {
		return out
	}

	out = strings.TrimRight(out, " ")
	out = strings.TrimSuffix(out, ",")
	if strings.HasSuffix(out, ":") {
		out += " null"
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out
}

// decodeObject parses s as a JSON object.
func decodeObject(s string) (map[string]any, bool) {
	if !gjson.Valid(s) {
		return nil, false
	}
	res := gjson.Parse(s)
	if !res.IsObject() {
		return nil, false
	}
	m, ok := res.Value().(map[string]any)
	return m, ok
}
