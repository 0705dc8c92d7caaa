// Package wildcard compiles path patterns containing named wildcards such as
// "{sample}" or "{sample,[A-Z]+}" and resolves wildcard values against
// candidate paths.
package wildcard

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dlclark/regexp2"

	"github.com/flowstore/flowstore/pkg/errors"
)

// DefaultConstraint matches one or more of any character
const DefaultConstraint = ".+"

// MatchTimeout bounds a single match of a compiled pattern.
var MatchTimeout = 5 * time.Second

// token is either a literal run or a wildcard occurrence.
type token struct {
	literal    string
	name       string
	constraint string
	wildcard   bool
	start, end int
}

// Pattern is a compiled wildcard pattern. It is immutable and safe for concurrent use.
type Pattern struct {
	source string
	expr   string
	re     *regexp2.Regexp
	names  []string
	groups map[string]string
	tokens []token
}

// Compile parses pattern into an anchored regular expression. A wildcard that
// occurs more than once matches identical text at every occurrence; its
// constraint may only be given at the first occurrence.
func Compile(pattern string) (*Pattern, error) {
	p := &Pattern{
		source: pattern,
		groups: make(map[string]string),
		tokens: scan(pattern),
	}

	var b strings.Builder
	b.WriteString(`\A`)
	for _, tok := range p.tokens {
		if !tok.wildcard {
			b.WriteString(regexp2.Escape(tok.literal))
			continue
		}
		if id, seen := p.groups[tok.name]; seen {
			if tok.constraint != "" {
				return nil, errors.NewConstraintRedefinitionError(pattern, tok.name)
			}
			fmt.Fprintf(&b, `\k<%s>`, id)
			continue
		}
		id := fmt.Sprintf("w%d", len(p.names))
		p.groups[tok.name] = id
		p.names = append(p.names, tok.name)

		constraint := tok.constraint
		if constraint == "" {
			constraint = DefaultConstraint
		}
		fmt.Fprintf(&b, `(?<%s>%s)`, id, constraint)
	}
	b.WriteString(`\z`)
	p.expr = b.String()

	re, err := regexp2.Compile(p.expr, regexp2.None)
	if err != nil {
		return nil, errors.NewPatternCompileError(pattern, err.Error()).WithCause(err)
	}
	re.MatchTimeout = MatchTimeout
	p.re = re
	return p, nil
}

// MustCompile is like Compile but panics on error
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source pattern
func (p *Pattern) String() string { return p.source }

// Expr returns the compiled regular expression
func (p *Pattern) Expr() string { return p.expr }

// Names returns the unique wildcard names in order of first occurrence
func (p *Pattern) Names() []string {
	names := make([]string, len(p.names))
	copy(names, p.names)
	return names
}

// HasWildcards reports whether the pattern contains at least one wildcard
func (p *Pattern) HasWildcards() bool { return len(p.names) > 0 }

// Match tests s against the pattern and returns the wildcard values on success.
func (p *Pattern) Match(s string) (map[string]string, bool) {
	values, ok, err := p.match(s)
	if err != nil || !ok {
		return nil, false
	}
	out := make(map[string]string, len(values))
	for i, name := range p.names {
		out[name] = values[i]
	}
	return out, true
}

// match returns the captured values in Names order.
func (p *Pattern) match(s string) ([]string, bool, error) {
	m, err := p.re.FindStringMatch(s)
	if err != nil {
		return nil, false, errors.NewError(errors.ErrCodePatternCompile,
			fmt.Sprintf("matching %q against pattern %q: %v", s, p.source, err)).
			WithComponent("wildcard").
			WithCause(err)
	}
	if m == nil {
		return nil, false, nil
	}
	values := make([]string, len(p.names))
	for i, name := range p.names {
		if g := m.GroupByName(p.groups[name]); g != nil {
			values[i] = g.String()
		}
	}
	return values, true, nil
}

// Format substitutes values into the pattern's wildcards.
func (p *Pattern) Format(values map[string]string) (string, error) {
	var b strings.Builder
	for _, tok := range p.tokens {
		if !tok.wildcard {
			b.WriteString(tok.literal)
			continue
		}
		v, ok := values[tok.name]
		if !ok {
			return "", errors.NewError(errors.ErrCodePatternFormat,
				fmt.Sprintf("no value for wildcard %q in pattern %q", tok.name, p.source)).
				WithComponent("wildcard").
				WithContext("wildcard", tok.name)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

// Format compiles pattern and substitutes values into it.
func Format(pattern string, values map[string]string) (string, error) {
	p, err := Compile(pattern)
	if err != nil {
		return "", err
	}
	return p.Format(values)
}

// scan splits pattern into literal runs and wildcard tokens. A "{" that does
// not start a well-formed wildcard is literal text.
func scan(pattern string) []token {
	var tokens []token
	litStart := 0
	for i := 0; i < len(pattern); {
		if pattern[i] == '{' {
			if tok, ok := parseWildcard(pattern, i); ok {
				if i > litStart {
					tokens = append(tokens, token{literal: pattern[litStart:i], start: litStart, end: i})
				}
				tokens = append(tokens, tok)
				i = tok.end
				litStart = i
				continue
			}
		}
		i++
	}
	if litStart < len(pattern) {
		tokens = append(tokens, token{literal: pattern[litStart:], start: litStart, end: len(pattern)})
	}
	return tokens
}

// parseWildcard parses "{name}" or "{name,constraint}" starting at pattern[start] == '{'.
func parseWildcard(pattern string, start int) (token, bool) {
	i := skipSpace(pattern, start+1)

	nameStart := i
	for i < len(pattern) {
		r, size := utf8.DecodeRuneInString(pattern[i:])
		if !isNameRune(r) {
			break
		}
		i += size
	}
	if i == nameStart {
		return token{}, false
	}
	name := pattern[nameStart:i]

	i = skipSpace(pattern, i)
	if i >= len(pattern) {
		return token{}, false
	}

	var constraint string
	if pattern[i] == ',' {
		i = skipSpace(pattern, i+1)
		cStart := i
		for {
			if i >= len(pattern) {
				return token{}, false
			}
			switch pattern[i] {
			case '}':
				constraint = pattern[cStart:i]
			case '{':
				n, ok := repetition(pattern, i)
				if !ok {
					return token{}, false
				}
				i += n
				continue
			default:
				i++
				continue
			}
			break
		}
	}

	if pattern[i] != '}' {
		return token{}, false
	}
	return token{
		name:       name,
		constraint: constraint,
		wildcard:   true,
		start:      start,
		end:        i + 1,
	}, true
}

// repetition reports the length of a "{n}" or "{n,m}" quantifier at pattern[i].
func repetition(pattern string, i int) (int, bool) {
	j := i + 1
	digits := func() bool {
		k := j
		for j < len(pattern) && pattern[j] >= '0' && pattern[j] <= '9' {
			j++
		}
		return j > k
	}
	if !digits() {
		return 0, false
	}
	if j < len(pattern) && pattern[j] == ',' {
		j++
		if !digits() {
			return 0, false
		}
	}
	if j >= len(pattern) || pattern[j] != '}' {
		return 0, false
	}
	return j + 1 - i, true
}

func skipSpace(s string, i int) int {
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += size
	}
	return i
}

func isNameRune(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
