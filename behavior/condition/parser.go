package condition

import (
	"errors"
	"fmt"
	"strings"
)

var precedence = map[string]int{
	"||":  1,
	"&&":  2,
	"===": 3,
	"!==": 3,
	"==":  3,
	"!=":  3,
	">":   3,
	"<":   3,
	">=":  3,
	"<=":  3,
}

type node interface {
	eval(vars map[string]any) any
}

type literal struct {
	val any
}

func (n *literal) eval(vars map[string]any) any {
	return n.val
}

type pathRef struct {
	segments []string
}

func (n *pathRef) eval(vars map[string]any) any {
	v, ok := lookup(vars, n.segments)
	if !ok {
		return undefined
	}
	return normalize(v)
}

type binary struct {
	op          string
	left, right node
}

func (n *binary) eval(vars map[string]any) any {
	switch n.op {
	case "&&":
		return truthy(n.left.eval(vars)) && truthy(n.right.eval(vars))
	case "||":
		return truthy(n.left.eval(vars)) || truthy(n.right.eval(vars))
	}
	return compare(n.op, n.left.eval(vars), n.right.eval(vars))
}

type parser struct {
	toks []token
	pos  int
}

func parse(expr string) (node, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, errors.New("empty expression")
	}
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr(1)
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		t := p.toks[p.pos]
		return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
	}
	return root, nil
}

// Precedence climbing; all binary operators are left associative.
func (p *parser) parseExpr(minPrec int) (node, error) {
	lhs, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.pos < len(p.toks) {
		t := p.toks[p.pos]
		if t.kind != tokOp {
			break
		}
		prec := precedence[t.text]
		if prec < minPrec {
			break
		}
		p.pos++
		rhs, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		lhs = &binary{op: t.text, left: lhs, right: rhs}
	}
	return lhs, nil
}

func (p *parser) parsePrimary() (node, error) {
	if p.pos >= len(p.toks) {
		return nil, errors.New("unexpected end of expression")
	}
	t := p.toks[p.pos]
	p.pos++
	switch t.kind {
	case tokLParen:
		inner, err := p.parseExpr(1)
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.toks) || p.toks[p.pos].kind != tokRParen {
			return nil, fmt.Errorf("unclosed parenthesis at offset %d", t.pos)
		}
		p.pos++
		return inner, nil
	case tokString:
		return &literal{val: t.str}, nil
	case tokNumber:
		return &literal{val: t.num}, nil
	case tokBool:
		return &literal{val: t.flag}, nil
	case tokNull:
		return &literal{val: nil}, nil
	case tokUndefined:
		return &literal{val: undefined}, nil
	case tokPath:
		return &pathRef{segments: strings.Split(t.text, ".")}, nil
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}
