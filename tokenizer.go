package delta

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SplitTopLevel splits s at every comma that is not inside a quoted string or
// inside a [...], {...}, <...> or (...) group. The trailing field is always emitted,
// so an empty input yields a single empty field. Fields are not trimmed.
//
// Brackets inside quotes are ignored, and a backslash-escaped quote does not
// end the quoted string.
func SplitTopLevel(s string) []string {
	return splitTopLevel(s, ',', -1)
}

// splitTopLevel splits s at top-level occurrences of sep. A non-negative
// limit caps the number of returned fields; the last one holds the rest of s.
func splitTopLevel(s string, sep byte, limit int) []string {
	var (
		fields  []string
		start   int
		square  int
		curly   int
		angle   int
		paren   int
		quoted  bool
		escaped bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quoted {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				quoted = false
			}
			continue
		}
		switch c {
		case '"':
			quoted = true
		case '[':
			square++
		case ']':
			if square > 0 {
				square--
			}
		case '{':
			curly++
		case '}':
			if curly > 0 {
				curly--
			}
		case '<':
			angle++
		case '>':
			if angle > 0 {
				angle--
			}
		case '(':
			paren++
		case ')':
			if paren > 0 {
				paren--
			}
		case sep:
			if square > 0 || curly > 0 || angle > 0 || paren > 0 {
				continue
			}
			if limit >= 0 && len(fields) == limit-1 {
				continue
			}
			fields = append(fields, s[start:i])
			start = i + 1
		}
	}
	return append(fields, s[start:])
}

// unwrap strips one layer of open/close from s after trimming whitespace.
func unwrap(s string, open, close byte) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != open || s[len(s)-1] != close {
		return "", false
	}
	return s[1 : len(s)-1], true
}

// splitList splits a bracketed list such as [a,b,c] into its trimmed
// top-level elements. An empty list yields no elements.
func splitList(s string) ([]string, error) {
	inner, ok := unwrap(s, '[', ']')
	if !ok {
		return nil, fmt.Errorf("expected a [...] list, got %q", abbreviate(s))
	}
	if strings.TrimSpace(inner) == "" {
		return nil, nil
	}
	elems := SplitTopLevel(inner)
	for i := range elems {
		elems[i] = strings.TrimSpace(elems[i])
	}
	return elems, nil
}

// SplitRows splits a chunk payload of the form [[v1,v2],[v3,v4]] into rows
// of raw field tokens. An empty payload, "null" or "[]" yields no rows.
func SplitRows(chunk string) ([][]string, error) {
	chunk = strings.TrimSpace(chunk)
	if chunk == "" || chunk == "null" {
		return nil, nil
	}
	rawRows, err := splitList(chunk)
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(rawRows))
	for i, raw := range rawRows {
		fields, err := splitList(raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows = append(rows, fields)
	}
	return rows, nil
}

// unquoteField resolves a raw field token: the JSON literal null is absent,
// a quoted string is JSON-unescaped and anything else is returned as is.
func unquoteField(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "null" {
		return "", false
	}
	if len(token) >= 2 && token[0] == '"' && token[len(token)-1] == '"' {
		var s string
		if err := json.Unmarshal([]byte(token), &s); err == nil {
			return s, true
		}
		return token[1 : len(token)-1], true
	}
	return token, true
}

func abbreviate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
