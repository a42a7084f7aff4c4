package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Condition is a compiled boolean expression over pattern results. The hits
// slice is indexed like SignatureRule.Patterns.
type Condition interface {
	Eval(hits []bool) bool
}

type condRef struct {
	index int
}

func (c condRef) Eval(hits []bool) bool { return hits[c.index] }

type condAnd struct {
	children []Condition
}

func (c condAnd) Eval(hits []bool) bool {
	for _, child := range c.children {
		if !child.Eval(hits) {
			return false
		}
	}
	return true
}

type condOr struct {
	children []Condition
}

func (c condOr) Eval(hits []bool) bool {
	for _, child := range c.children {
		if child.Eval(hits) {
			return true
		}
	}
	return false
}

type condNot struct {
	child Condition
}

func (c condNot) Eval(hits []bool) bool { return !c.child.Eval(hits) }

// condQuantifier is "N of (...)"; min equal to len(indexes) means all of
type condQuantifier struct {
	min     int
	indexes []int
}

func (c condQuantifier) Eval(hits []bool) bool {
	n := 0
	for _, i := range c.indexes {
		if hits[i] {
			n++
			if n >= c.min {
				return true
			}
		}
	}
	return n >= c.min
}

// AnyOf builds an ANY_OF condition over the given pattern indexes
func AnyOf(indexes ...int) Condition {
	return condQuantifier{min: 1, indexes: indexes}
}

// AllOf builds an ALL_OF condition over the given pattern indexes
func AllOf(indexes ...int) Condition {
	return condQuantifier{min: len(indexes), indexes: indexes}
}

// ========== Lexer ==========

type tokenType int

const (
	tokIdent  tokenType = iota // $name
	tokAnd                     // "and"
	tokOr                      // "or"
	tokNot                     // "not"
	tokLParen                  // "("
	tokRParen                  // ")"
	tokComma                   // ","
	tokNumber                  // integer literal
	tokOf                      // "of"
	tokThem                    // "them"
	tokAny                     // "any"
	tokAll                     // "all"
	tokEOF
)

type token struct {
	typ tokenType
	val string
	pos int
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	pos := 0
	for pos < len(input) {
		ch := rune(input[pos])
		if unicode.IsSpace(ch) {
			pos++
			continue
		}

		start := pos
		switch {
		case ch == '(':
			tokens = append(tokens, token{tokLParen, "(", start})
			pos++
		case ch == ')':
			tokens = append(tokens, token{tokRParen, ")", start})
			pos++
		case ch == ',':
			tokens = append(tokens, token{tokComma, ",", start})
			pos++
		case ch == '$':
			pos++
			for pos < len(input) && isIdentChar(rune(input[pos])) {
				pos++
			}
			if pos == start+1 {
				return nil, fmt.Errorf("empty pattern reference at %d", start)
			}
			tokens = append(tokens, token{tokIdent, input[start+1 : pos], start})
		case unicode.IsDigit(ch):
			for pos < len(input) && unicode.IsDigit(rune(input[pos])) {
				pos++
			}
			tokens = append(tokens, token{tokNumber, input[start:pos], start})
		case isIdentChar(ch):
			for pos < len(input) && isIdentChar(rune(input[pos])) {
				pos++
			}
			word := strings.ToLower(input[start:pos])
			typ, ok := keywords[word]
			if !ok {
				return nil, fmt.Errorf("unknown word %q at %d (pattern references start with $)", word, start)
			}
			tokens = append(tokens, token{typ, word, start})
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", ch, start)
		}
	}
	return append(tokens, token{tokEOF, "", pos}), nil
}

var keywords = map[string]tokenType{
	"and":  tokAnd,
	"or":   tokOr,
	"not":  tokNot,
	"of":   tokOf,
	"them": tokThem,
	"any":  tokAny,
	"all":  tokAll,
}

func isIdentChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// ========== Parser ==========

// conditionParser is a recursive descent parser bound to one rule's pattern ids
type conditionParser struct {
	tokens []token
	pos    int
	ids    map[string]int
	err    error
}

// ParseCondition compiles a condition expression against the pattern ids of
// a rule. An empty expression means "any of them".
func ParseCondition(expr string, patternIDs []string) (Condition, error) {
	ids := make(map[string]int, len(patternIDs))
	for i, id := range patternIDs {
		ids[id] = i
	}

	if strings.TrimSpace(expr) == "" {
		return AnyOf(allIndexes(len(patternIDs))...), nil
	}

	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &conditionParser{tokens: tokens, ids: ids}
	node := p.parseOr()
	if p.err == nil && p.peek().typ != tokEOF {
		p.fail("unexpected %q", p.peek().val)
	}
	if p.err != nil {
		return nil, p.err
	}
	return node, nil
}

func allIndexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func (p *conditionParser) fail(format string, args ...interface{}) {
	if p.err == nil {
		p.err = fmt.Errorf("condition at %d: %s", p.peek().pos, fmt.Sprintf(format, args...))
	}
}

func (p *conditionParser) peek() token {
	if p.pos >= len(p.tokens) {
		return token{typ: tokEOF}
	}
	return p.tokens[p.pos]
}

func (p *conditionParser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

// parseOr: orExpr := andExpr ("or" andExpr)*
func (p *conditionParser) parseOr() Condition {
	children := []Condition{p.parseAnd()}
	for p.peek().typ == tokOr {
		p.advance()
		children = append(children, p.parseAnd())
	}
	if len(children) == 1 {
		return children[0]
	}
	return condOr{children: children}
}

// parseAnd: andExpr := notExpr ("and" notExpr)*
func (p *conditionParser) parseAnd() Condition {
	children := []Condition{p.parseNot()}
	for p.peek().typ == tokAnd {
		p.advance()
		children = append(children, p.parseNot())
	}
	if len(children) == 1 {
		return children[0]
	}
	return condAnd{children: children}
}

// parseNot: notExpr := "not" notExpr | atom
func (p *conditionParser) parseNot() Condition {
	if p.peek().typ == tokNot {
		p.advance()
		return condNot{child: p.parseNot()}
	}
	return p.parseAtom()
}

// parseAtom: atom := "(" orExpr ")" | quantifier "of" set | $ident
func (p *conditionParser) parseAtom() Condition {
	t := p.peek()

	switch t.typ {
	case tokLParen:
		p.advance()
		node := p.parseOr()
		if p.peek().typ != tokRParen {
			p.fail("expected closing parenthesis")
			return node
		}
		p.advance()
		return node

	case tokIdent:
		p.advance()
		idx, ok := p.ids[t.val]
		if !ok {
			p.fail("unknown pattern $%s", t.val)
			return condRef{}
		}
		return condRef{index: idx}

	case tokAny, tokAll, tokNumber:
		p.advance()
		if p.peek().typ != tokOf {
			p.fail("expected \"of\" after %q", t.val)
			return condRef{}
		}
		p.advance()
		indexes := p.parseSet()
		if len(indexes) == 0 {
			return condRef{}
		}

		switch t.typ {
		case tokAny:
			return AnyOf(indexes...)
		case tokAll:
			return AllOf(indexes...)
		}
		n, err := strconv.Atoi(t.val)
		if err != nil || n < 1 || n > len(indexes) {
			p.fail("quantifier %s out of range 1..%d", t.val, len(indexes))
			return condRef{}
		}
		return condQuantifier{min: n, indexes: indexes}

	case tokEOF:
		p.fail("unexpected end of condition")
		return condRef{}

	default:
		p.fail("unexpected %q", t.val)
		p.advance()
		return condRef{}
	}
}

// parseSet: set := "them" | "(" $ident ("," $ident)* ")"
func (p *conditionParser) parseSet() []int {
	if p.peek().typ == tokThem {
		p.advance()
		return allIndexes(len(p.ids))
	}
	if p.peek().typ != tokLParen {
		p.fail("expected \"them\" or a pattern list")
		return nil
	}
	p.advance()

	var indexes []int
	for {
		t := p.advance()
		if t.typ != tokIdent {
			p.fail("expected pattern reference in list")
			return nil
		}
		idx, ok := p.ids[t.val]
		if !ok {
			p.fail("unknown pattern $%s", t.val)
			return nil
		}
		indexes = append(indexes, idx)

		switch p.peek().typ {
		case tokComma:
			p.advance()
		case tokRParen:
			p.advance()
			return indexes
		default:
			p.fail("expected \",\" or \")\" in pattern list")
			return nil
		}
	}
}
