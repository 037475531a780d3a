package store

import (
	"fmt"
	"strings"
	"unicode"
)

// Condition requires attribute Attr to equal Value.
type Condition struct {
	Attr  string
	Value string
}

// Query is a conjunction of conditions. The empty query matches everything.
type Query []Condition

// Where starts a query with one condition.
func Where(attr, value string) Query {
	return Query{{Attr: attr, Value: value}}
}

// And returns q extended by one more condition.
func (q Query) And(attr, value string) Query {
	out := make(Query, len(q), len(q)+1)
	copy(out, q)
	return append(out, Condition{Attr: attr, Value: value})
}

// Match reports whether attrs satisfy every condition.
func (q Query) Match(attrs map[string]string) bool {
	for _, c := range q {
		v, ok := attrs[c.Attr]
		if !ok || v != c.Value {
			return false
		}
	}
	return true
}

// String formats q in the expression syntax accepted by ParseQuery.
func (q Query) String() string {
	parts := make([]string, len(q))
	for i, c := range q {
		parts[i] = c.Attr + "='" + strings.ReplaceAll(c.Value, "'", "''") + "'"
	}
	return strings.Join(parts, " AND ")
}

// ParseQuery parses expressions such as
//
//	tradingDay='20181228' AND groupId='g1'
//
// AND is case-insensitive and a quote inside a value is written twice.
func ParseQuery(expr string) (Query, error) {
	p := &queryParser{src: expr}
	var q Query
	p.skipSpace()
	if p.done() {
		return q, nil
	}
	for {
		c, err := p.condition()
		if err != nil {
			return nil, err
		}
		q = append(q, c)
		p.skipSpace()
		if p.done() {
			return q, nil
		}
		if !p.keyword("AND") {
			return nil, p.errorf("expected AND")
		}
	}
}

type queryParser struct {
	src string
	pos int
}

func (p *queryParser) done() bool { return p.pos >= len(p.src) }

func (p *queryParser) skipSpace() {
	for !p.done() && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *queryParser) errorf(format string, args ...any) error {
	return fmt.Errorf("query %q at %d: %s", p.src, p.pos, fmt.Sprintf(format, args...))
}

func (p *queryParser) keyword(kw string) bool {
	end := p.pos + len(kw)
	if end > len(p.src) || !strings.EqualFold(p.src[p.pos:end], kw) {
		return false
	}
	if end < len(p.src) && !unicode.IsSpace(rune(p.src[end])) {
		return false
	}
	p.pos = end
	return true
}

func (p *queryParser) condition() (Condition, error) {
	p.skipSpace()
	start := p.pos
	for !p.done() {
		ch := rune(p.src[p.pos])
		if !(unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.') {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return Condition{}, p.errorf("expected attribute name")
	}
	attr := p.src[start:p.pos]
	p.skipSpace()
	if p.done() || p.src[p.pos] != '=' {
		return Condition{}, p.errorf("expected '=' after %s", attr)
	}
	p.pos++
	p.skipSpace()
	value, err := p.quoted()
	if err != nil {
		return Condition{}, err
	}
	return Condition{Attr: attr, Value: value}, nil
}

func (p *queryParser) quoted() (string, error) {
	if p.done() || p.src[p.pos] != '\'' {
		return "", p.errorf("expected quoted value")
	}
	p.pos++
	var b strings.Builder
	for !p.done() {
		ch := p.src[p.pos]
		p.pos++
		if ch != '\'' {
			b.WriteByte(ch)
			continue
		}
		if !p.done() && p.src[p.pos] == '\'' {
			b.WriteByte('\'')
			p.pos++
			continue
		}
		return b.String(), nil
	}
	return "", p.errorf("unterminated value")
}
