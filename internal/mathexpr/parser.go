package mathexpr

import (
	"fmt"
	"math"
	"strconv"
)

// node is an evaluable piece of a parsed expression.
type node interface {
	eval() float64
}

type number float64

func (n number) eval() float64 { return float64(n) }

type unary struct {
	op      byte
	operand node
}

func (u *unary) eval() float64 {
	v := u.operand.eval()
	if u.op == '-' {
		return -v
	}
	return v
}

type binary struct {
	op          byte
	left, right node
}

func (b *binary) eval() float64 {
	x, y := b.left.eval(), b.right.eval()
	switch b.op {
	case '+':
		return x + y
	case '-':
		return x - y
	case '*':
		return x * y
	case '/':
		return x / y
	case '%':
		return mod(x, y)
	case '^':
		return math.Pow(x, y)
	}
	panic("mathexpr: unknown operator " + string(b.op))
}

type call struct {
	fn   *function
	args []node
}

func (c *call) eval() float64 {
	vals := make([]float64, len(c.args))
	for i, a := range c.args {
		vals[i] = a.eval()
	}
	return c.fn.apply(vals)
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) unexpected(t token) error {
	return fmt.Errorf("%w: unexpected %s at position %d", ErrSyntax, t, t.pos)
}

func (p *parser) expect(op string) error {
	t := p.next()
	if !t.is(op) {
		return fmt.Errorf("%w: expected %q, found %s at position %d", ErrSyntax, op, t, t.pos)
	}
	return nil
}

// parse builds the tree for a whole expression.
func parse(toks []token) (node, error) {
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, ErrEmpty
	}
	n, err := p.additive()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.unexpected(t)
	}
	return n, nil
}

func (p *parser) additive() (node, error) {
	left, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if !t.is("+") && !t.is("-") {
			return left, nil
		}
		p.next()
		right, err := p.multiplicative()
		if err != nil {
			return nil, err
		}
		left = &binary{op: t.text[0], left: left, right: right}
	}
}

// multiplicative handles * / % and implicit multiplication, which applies
// when an operand is directly followed by an identifier or an opening
// parenthesis, or a closing parenthesis by a number: 2pi, 3(4+1), (1+1)(2),
// (1+2)3.
func (p *parser) multiplicative() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		op := byte('*')
		switch {
		case t.is("*"), t.is("/"), t.is("%"):
			op = t.text[0]
			p.next()
		case t.kind == tokIdent, t.is("("):
		case t.kind == tokNumber && p.pos > 0 && p.toks[p.pos-1].is(")"):
		default:
			return left, nil
		}
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = &binary{op: op, left: left, right: right}
	}
}

// unary binds looser than ^ so that -2^2 is -(2^2).
func (p *parser) unary() (node, error) {
	if t := p.peek(); t.is("-") || t.is("+") {
		p.next()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &unary{op: t.text[0], operand: operand}, nil
	}
	return p.power()
}

// power is right associative: 2^3^2 is 2^(3^2).
func (p *parser) power() (node, error) {
	base, err := p.primary()
	if err != nil {
		return nil, err
	}
	if !p.peek().is("^") {
		return base, nil
	}
	p.next()
	exp, err := p.unary()
	if err != nil {
		return nil, err
	}
	return &binary{op: '^', left: base, right: exp}, nil
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch {
	case t.kind == tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q at position %d", ErrSyntax, t.text, t.pos)
		}
		return number(v), nil
	case t.kind == tokIdent:
		if p.peek().is("(") {
			return p.call(t)
		}
		v, ok := constants[t.text]
		if !ok {
			return nil, fmt.Errorf("%w: %q at position %d", ErrUnknownSymbol, t.text, t.pos)
		}
		return number(v), nil
	case t.is("("):
		n, err := p.additive()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return n, nil
	}
	return nil, p.unexpected(t)
}

func (p *parser) call(name token) (node, error) {
	fn, ok := functions[name.text]
	if !ok {
		return nil, fmt.Errorf("%w: function %q at position %d", ErrUnknownSymbol, name.text, name.pos)
	}
	p.next() // (
	var args []node
	if !p.peek().is(")") {
		for {
			arg, err := p.additive()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if !p.peek().is(",") {
				break
			}
			p.next()
		}
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	if len(args) < fn.minArgs || len(args) > fn.maxArgs {
		return nil, fmt.Errorf("%w: %s takes %s, got %d", ErrArity, name.text, fn.arity(), len(args))
	}
	return &call{fn: fn, args: args}, nil
}
