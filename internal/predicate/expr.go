package predicate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const (
	MaxHintLength = 4096
	maxDepth      = 64
)

// Op is a comparison operator.
type Op string

const (
	OpEq Op = "="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

func (o Op) negate() Op {
	switch o {
	case OpEq:
		return OpNe
	case OpNe:
		return OpEq
	case OpLt:
		return OpGe
	case OpLe:
		return OpGt
	case OpGt:
		return OpLe
	default:
		return OpLt
	}
}

// flip mirrors the operator for "literal op column".
func (o Op) flip() Op {
	switch o {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	default:
		return o
	}
}

// Expr is a parsed predicate.
type Expr interface {
	// Eval applies the predicate to one row with SQL three-valued logic;
	// an unknown result counts as false.
	Eval(row RowAccessor) bool
	// MayMatch reports whether a file with the given statistics could hold
	// a matching row. It returns false only when no row can match.
	MayMatch(file FileSummary) bool
	// Columns lists the referenced columns.
	Columns() []string
	String() string

	eval(row RowAccessor) truth
	negate() Expr
}

type And struct{ Left, Right Expr }
type Or struct{ Left, Right Expr }
type Not struct{ Inner Expr }

type Comparison struct {
	Column string
	Op     Op
	Value  any
}

type NullCheck struct {
	Column  string
	Negated bool
}

// Parse parses a single predicate hint.
func Parse(input string) (Expr, error) {
	if len(input) > MaxHintLength {
		return nil, fmt.Errorf("predicate exceeds %d bytes", MaxHintLength)
	}
	if strings.TrimSpace(input) == "" {
		return nil, errors.New("predicate is empty")
	}
	tokens, err := tokenize(input)
	if err != nil {
		return nil, fmt.Errorf("parse predicate %q: %w", input, err)
	}
	p := &parser{tokens: tokens}
	expr, err := p.parseOr(0)
	if err != nil {
		return nil, fmt.Errorf("parse predicate %q: %w", input, err)
	}
	if tok := p.peek(); tok.typ != tokenEOF {
		return nil, fmt.Errorf("parse predicate %q: unexpected %q at %d", input, tok.literal, tok.pos)
	}
	return expr, nil
}

// ParseAll parses every hint and joins them with AND. No hints yields a
// nil expression, which matches everything.
func ParseAll(hints []string) (Expr, error) {
	var out Expr
	for _, hint := range hints {
		expr, err := Parse(hint)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = expr
			continue
		}
		out = And{Left: out, Right: expr}
	}
	return out, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.typ != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) parseOr(depth int) (Expr, error) {
	left, err := p.parseAnd(depth)
	if err != nil {
		return nil, err
	}
	for p.peek().typ == tokenOr {
		p.next()
		right, err := p.parseAnd(depth)
		if err != nil {
			return nil, err
		}
		left = Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd(depth int) (Expr, error) {
	left, err := p.parseUnary(depth)
	if err != nil {
		return nil, err
	}
	for p.peek().typ == tokenAnd {
		p.next()
		right, err := p.parseUnary(depth)
		if err != nil {
			return nil, err
		}
		left = And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary(depth int) (Expr, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("nesting deeper than %d", maxDepth)
	}
	if p.peek().typ == tokenNot {
		p.next()
		inner, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		return Not{Inner: inner}, nil
	}
	return p.parsePrimary(depth)
}

func (p *parser) parsePrimary(depth int) (Expr, error) {
	tok := p.next()
	switch tok.typ {
	case tokenLParen:
		expr, err := p.parseOr(depth + 1)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.typ != tokenRParen {
			return nil, fmt.Errorf("expected ) at %d", closing.pos)
		}
		return expr, nil
	case tokenIdent:
		if p.peek().typ == tokenIs {
			p.next()
			negated := false
			if p.peek().typ == tokenNot {
				p.next()
				negated = true
			}
			if null := p.next(); null.typ != tokenNull {
				return nil, fmt.Errorf("expected NULL at %d", null.pos)
			}
			return NullCheck{Column: tok.literal, Negated: negated}, nil
		}
		op, err := p.parseOp()
		if err != nil {
			return nil, err
		}
		value, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return Comparison{Column: tok.literal, Op: op, Value: value}, nil
	case tokenNumber, tokenString, tokenTrue, tokenFalse:
		p.pos--
		value, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		op, err := p.parseOp()
		if err != nil {
			return nil, err
		}
		column := p.next()
		if column.typ != tokenIdent {
			return nil, fmt.Errorf("expected column at %d", column.pos)
		}
		return Comparison{Column: column.literal, Op: op.flip(), Value: value}, nil
	case tokenEOF:
		return nil, errors.New("unexpected end of predicate")
	default:
		return nil, fmt.Errorf("unexpected %q at %d", tok.literal, tok.pos)
	}
}

func (p *parser) parseOp() (Op, error) {
	tok := p.next()
	if tok.typ != tokenOp {
		return "", fmt.Errorf("expected comparison operator at %d", tok.pos)
	}
	if tok.literal == "<>" {
		return OpNe, nil
	}
	return Op(tok.literal), nil
}

func (p *parser) parseLiteral() (any, error) {
	tok := p.next()
	switch tok.typ {
	case tokenNumber:
		if n, err := strconv.ParseInt(tok.literal, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(tok.literal, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at %d", tok.literal, tok.pos)
		}
		return f, nil
	case tokenString:
		return tok.literal, nil
	case tokenTrue:
		return true, nil
	case tokenFalse:
		return false, nil
	default:
		return nil, fmt.Errorf("expected literal at %d", tok.pos)
	}
}

func (e And) Columns() []string        { return appendColumns(e.Left.Columns(), e.Right.Columns()) }
func (e Or) Columns() []string         { return appendColumns(e.Left.Columns(), e.Right.Columns()) }
func (e Not) Columns() []string        { return e.Inner.Columns() }
func (e Comparison) Columns() []string { return []string{e.Column} }
func (e NullCheck) Columns() []string  { return []string{e.Column} }

func appendColumns(left, right []string) []string {
	seen := make(map[string]struct{}, len(left))
	out := make([]string, 0, len(left)+len(right))
	for _, column := range append(left, right...) {
		if _, ok := seen[column]; ok {
			continue
		}
		seen[column] = struct{}{}
		out = append(out, column)
	}
	return out
}

func (e And) String() string { return "(" + e.Left.String() + " AND " + e.Right.String() + ")" }
func (e Or) String() string  { return "(" + e.Left.String() + " OR " + e.Right.String() + ")" }
func (e Not) String() string { return "NOT " + e.Inner.String() }

func (e Comparison) String() string {
	return quoteIdent(e.Column) + " " + string(e.Op) + " " + formatLiteral(e.Value)
}

func (e NullCheck) String() string {
	if e.Negated {
		return quoteIdent(e.Column) + " IS NOT NULL"
	}
	return quoteIdent(e.Column) + " IS NULL"
}

func quoteIdent(name string) string {
	for i, r := range name {
		if !isIdentRune(r) || (i == 0 && !unicode.IsLetter(r) && r != '_') {
			return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
		}
	}
	if _, keyword := keywords[strings.ToUpper(name)]; keyword {
		return `"` + name + `"`
	}
	return name
}

func formatLiteral(value any) string {
	switch v := value.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (e And) negate() Expr        { return Or{Left: e.Left.negate(), Right: e.Right.negate()} }
func (e Or) negate() Expr         { return And{Left: e.Left.negate(), Right: e.Right.negate()} }
func (e Not) negate() Expr        { return e.Inner }
func (e Comparison) negate() Expr { return Comparison{Column: e.Column, Op: e.Op.negate(), Value: e.Value} }
func (e NullCheck) negate() Expr  { return NullCheck{Column: e.Column, Negated: !e.Negated} }
