package condition

import (
	"strconv"

	"github.com/rendis/runway/pkg/schema"
)

// Node is one node of the parsed condition AST.
type Node interface {
	node()
}

// OrNode is a logical OR of two operands.
type OrNode struct{ Left, Right Node }

// AndNode is a logical AND of two operands.
type AndNode struct{ Left, Right Node }

// NotNode negates its operand.
type NotNode struct{ Operand Node }

// CompareNode compares an identifier path against a literal.
type CompareNode struct {
	Path string
	Op   string // > >= < <= == !=
	Lit  Literal
}

// CallNode is a method-like predicate, e.g. providers.includes('claude').
type CallNode struct {
	Path string // full dotted path including the method name
	Args []string
}

// AtomNode is a bare identifier path evaluated for truthiness.
type AtomNode struct{ Path string }

// Literal is a typed literal operand of a comparison.
type Literal struct {
	IsNumber bool
	Number   float64
	Text     string
}

func (*OrNode) node()      {}
func (*AndNode) node()     {}
func (*NotNode) node()     {}
func (*CompareNode) node() {}
func (*CallNode) node()    {}
func (*AtomNode) node()    {}

// Parse tokenizes and parses a condition expression into an AST.
// Precedence: NOT binds tightest, then AND, then OR.
func Parse(input string) (Node, error) {
	tokens, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().Kind != tokenEOF {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unexpected token %q at position %d", p.peek().Text, p.peek().Pos)
	}
	return n, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.Kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().Kind == tokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &OrNode{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().Kind == tokenAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &AndNode{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.peek().Kind == tokenNot {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &NotNode{Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.peek()

	switch t.Kind {
	case tokenLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().Kind != tokenRParen {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"expected ')' at position %d", p.peek().Pos)
		}
		p.next()
		return inner, nil

	case tokenCall:
		p.next()
		return &CallNode{Path: t.Text, Args: t.Args}, nil

	case tokenIdent:
		p.next()
		// An identifier may stand alone or begin a comparison.
		if p.peek().Kind == tokenCompare {
			op := p.next().Text
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			return &CompareNode{Path: t.Text, Op: op, Lit: lit}, nil
		}
		return &AtomNode{Path: t.Text}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expected expression at position %d, got %q", t.Pos, t.Text)
	}
}

func (p *parser) parseLiteral() (Literal, error) {
	t := p.next()
	switch t.Kind {
	case tokenNumber:
		f, err := strconv.ParseFloat(t.Text, 64)
		if err != nil {
			return Literal{}, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid number %q at position %d", t.Text, t.Pos)
		}
		return Literal{IsNumber: true, Number: f, Text: t.Text}, nil
	case tokenString:
		return Literal{Text: t.Text}, nil
	case tokenIdent:
		// Unquoted literal on the right-hand side (true, false, bare word).
		return Literal{Text: t.Text}, nil
	default:
		return Literal{}, schema.NewErrorf(schema.ErrCodeValidation,
			"expected literal at position %d, got %q", t.Pos, t.Text)
	}
}
