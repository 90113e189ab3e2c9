package memsearch

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// reserved characters end a term unless escaped. '<' and '>' are rejected
// even when escaped, matching the query_string parser.
const reserved = `+-=&|!(){}[]^"~:/`

type tokKind int

const (
	tokLiteral tokKind = iota
	tokStar
	tokAny
)

type globTok struct {
	kind tokKind
	r    rune
}

// Pattern is a single query_string term: literals plus unescaped * and ?.
type Pattern []globTok

// ParseQueryString parses q as exactly one query_string term. It is
// deliberately stricter than Lucene: anything that would make Lucene see
// an operator, a second term, a range or a regex is an error, so a query
// that parses here can only mean one literal wildcard term.
func ParseQueryString(q string, allowLeadingWildcard bool) (Pattern, error) {
	if q == "" {
		return nil, fmt.Errorf("empty query")
	}
	var p Pattern
	for i := 0; i < len(q); {
		r, size := utf8.DecodeRuneInString(q[i:])
		if r == utf8.RuneError && size == 1 {
			return nil, fmt.Errorf("invalid UTF-8 at byte %d", i)
		}
		i += size

		switch {
		case r == '<' || r == '>':
			return nil, fmt.Errorf("%q at byte %d cannot be used in a term", r, i-size)
		case r == '\\':
			if i >= len(q) {
				return nil, fmt.Errorf("dangling escape at end of query")
			}
			next, n := utf8.DecodeRuneInString(q[i:])
			i += n
			if next == '<' || next == '>' {
				return nil, fmt.Errorf("%q cannot be escaped", next)
			}
			p = append(p, globTok{kind: tokLiteral, r: next})
		case r == '*':
			p = append(p, globTok{kind: tokStar})
		case r == '?':
			p = append(p, globTok{kind: tokAny})
		case unicode.IsSpace(r):
			return nil, fmt.Errorf("unescaped whitespace at byte %d splits the query", i-size)
		case strings.ContainsRune(reserved, r):
			return nil, fmt.Errorf("unescaped reserved character %q at byte %d", r, i-size)
		default:
			p = append(p, globTok{kind: tokLiteral, r: r})
		}
	}
	if !allowLeadingWildcard && p[0].kind != tokLiteral {
		return nil, fmt.Errorf("leading wildcard not allowed")
	}
	return p, nil
}

// Match reports whether s matches the whole pattern.
func (p Pattern) Match(s string) bool {
	text := []rune(s)
	pi, ti := 0, 0
	starP, starT := -1, 0
	for ti < len(text) {
		switch {
		case pi < len(p) && (p[pi].kind == tokAny || (p[pi].kind == tokLiteral && p[pi].r == text[ti])):
			pi++
			ti++
		case pi < len(p) && p[pi].kind == tokStar:
			starP, starT = pi, ti
			pi++
		case starP >= 0:
			starT++
			pi, ti = starP+1, starT
		default:
			return false
		}
	}
	for pi < len(p) && p[pi].kind == tokStar {
		pi++
	}
	return pi == len(p)
}

// globField matches a field pattern where only '*' is special.
func globField(pat, name string) bool {
	if !strings.Contains(pat, "*") {
		return pat == name
	}
	p := make(Pattern, 0, len(pat))
	for _, r := range pat {
		if r == '*' {
			p = append(p, globTok{kind: tokStar})
		} else {
			p = append(p, globTok{kind: tokLiteral, r: r})
		}
	}
	return p.Match(name)
}
