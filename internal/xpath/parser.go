package xpath

import (
	"strconv"
)

type parser struct {
	src  string
	toks []token
	pos  int
}

func parse(src string) (expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	e, err := p.orExpr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected trailing input")
	}
	return e, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, msg string) error {
	return &SyntaxError{Expr: p.src, Offset: t.pos, Msg: msg}
}

func (p *parser) isOp(vals ...string) bool {
	t := p.peek()
	if t.kind != tokOp {
		return false
	}
	for _, v := range vals {
		if t.val == v {
			return true
		}
	}
	return false
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	t := p.peek()
	if t.kind != k {
		return t, p.errorf(t, "expected "+what)
	}
	return p.advance(), nil
}

// binary parses a left-associative chain of operators
func (p *parser) binary(next func() (expr, error), ops ...string) (expr, error) {
	l, err := next()
	if err != nil {
		return nil, err
	}
	for p.isOp(ops...) {
		op := p.advance().val
		r, err := next()
		if err != nil {
			return nil, err
		}
		l = &binaryExpr{op: op, l: l, r: r}
	}
	return l, nil
}

func (p *parser) orExpr() (expr, error) {
	return p.binary(p.andExpr, "or")
}

func (p *parser) andExpr() (expr, error) {
	return p.binary(p.equalityExpr, "and")
}

func (p *parser) equalityExpr() (expr, error) {
	return p.binary(p.relationalExpr, "=", "!=")
}

func (p *parser) relationalExpr() (expr, error) {
	return p.binary(p.additiveExpr, "<", "<=", ">", ">=")
}

func (p *parser) additiveExpr() (expr, error) {
	return p.binary(p.multiplicativeExpr, "+", "-")
}

func (p *parser) multiplicativeExpr() (expr, error) {
	return p.binary(p.unaryExpr, "*", "div", "mod")
}

func (p *parser) unaryExpr() (expr, error) {
	if p.isOp("-") {
		p.advance()
		x, err := p.unaryExpr()
		if err != nil {
			return nil, err
		}
		return &negExpr{x: x}, nil
	}
	return p.unionExpr()
}

func (p *parser) unionExpr() (expr, error) {
	l, err := p.pathExpr()
	if err != nil {
		return nil, err
	}
	for p.isOp("|") {
		p.advance()
		r, err := p.pathExpr()
		if err != nil {
			return nil, err
		}
		l = &unionExpr{l: l, r: r}
	}
	return l, nil
}

func (p *parser) pathExpr() (expr, error) {
	switch p.peek().kind {
	case tokVar, tokLParen, tokLiteral, tokNumber, tokFunc:
		f, err := p.filterExpr()
		if err != nil {
			return nil, err
		}
		if !p.isOp("/", "//") {
			return f, nil
		}
		path := &pathExpr{filter: f}
		if err := p.relativePath(path, true); err != nil {
			return nil, err
		}
		return path, nil
	}
	return p.locationPath()
}

func (p *parser) filterExpr() (expr, error) {
	primary, err := p.primaryExpr()
	if err != nil {
		return nil, err
	}
	preds, err := p.predicates()
	if err != nil {
		return nil, err
	}
	if len(preds) == 0 {
		return primary, nil
	}
	return &filterExpr{primary: primary, preds: preds}, nil
}

func (p *parser) primaryExpr() (expr, error) {
	t := p.advance()
	switch t.kind {
	case tokVar:
		return &varExpr{prefix: t.prefix, local: t.val}, nil
	case tokLiteral:
		return &literalExpr{val: t.val}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			return nil, p.errorf(t, "bad number "+t.val)
		}
		return &numberExpr{val: f}, nil
	case tokLParen:
		e, err := p.orExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return e, nil
	case tokFunc:
		call := &callExpr{prefix: t.prefix, local: t.val}
		if _, err := p.expect(tokLParen, "("); err != nil {
			return nil, err
		}
		if p.peek().kind == tokRParen {
			p.advance()
			return call, nil
		}
		for {
			arg, err := p.orExpr()
			if err != nil {
				return nil, err
			}
			call.args = append(call.args, arg)
			if p.peek().kind == tokComma {
				p.advance()
				continue
			}
			if _, err := p.expect(tokRParen, ", or )"); err != nil {
				return nil, err
			}
			return call, nil
		}
	}
	return nil, p.errorf(t, "expected expression")
}

func (p *parser) predicates() ([]expr, error) {
	var preds []expr
	for p.peek().kind == tokLBracket {
		p.advance()
		e, err := p.orExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRBracket, "]"); err != nil {
			return nil, err
		}
		preds = append(preds, e)
	}
	return preds, nil
}

func (p *parser) locationPath() (expr, error) {
	path := &pathExpr{}
	if p.isOp("/") {
		p.advance()
		path.absolute = true
		if !p.startsStep() {
			return path, nil
		}
		return path, p.relativePath(path, false)
	}
	if p.isOp("//") {
		path.absolute = true
		return path, p.relativePath(path, true)
	}
	return path, p.relativePath(path, false)
}

func (p *parser) startsStep() bool {
	switch p.peek().kind {
	case tokName, tokNodeType, tokAxis, tokAt, tokDot, tokDotDot:
		return true
	}
	return false
}

// relativePath parses steps into path. With leadingSep set the path
// continues after a / or // that has not been consumed yet.
func (p *parser) relativePath(path *pathExpr, leadingSep bool) error {
	if !leadingSep {
		s, err := p.step()
		if err != nil {
			return err
		}
		path.steps = append(path.steps, s)
	}
	for p.isOp("/", "//") {
		if p.advance().val == "//" {
			path.steps = append(path.steps, &step{axis: AxisDescendantOrSelf, test: nodeTest{kind: testNode}})
		}
		s, err := p.step()
		if err != nil {
			return err
		}
		path.steps = append(path.steps, s)
	}
	return nil
}

func (p *parser) step() (*step, error) {
	t := p.peek()
	if t.kind == tokDot || t.kind == tokDotDot {
		p.advance()
		s := &step{axis: AxisSelf, test: nodeTest{kind: testNode}}
		if t.kind == tokDotDot {
			s.axis = AxisParent
		}
		// predicates on abbreviated steps are accepted as an extension
		preds, err := p.predicates()
		if err != nil {
			return nil, err
		}
		s.preds = preds
		return s, nil
	}

	s := &step{axis: AxisChild}
	switch t.kind {
	case tokAt:
		p.advance()
		s.axis = AxisAttribute
	case tokAxis:
		p.advance()
		axis, ok := axisNames[t.val]
		if !ok {
			return nil, p.errorf(t, "unknown axis "+t.val)
		}
		s.axis = axis
		if _, err := p.expect(tokColonColon, "::"); err != nil {
			return nil, err
		}
	}

	test, err := p.nodeTest()
	if err != nil {
		return nil, err
	}
	s.test = test
	if s.preds, err = p.predicates(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *parser) nodeTest() (nodeTest, error) {
	t := p.advance()
	switch t.kind {
	case tokName:
		switch {
		case t.val == "*" && t.prefix == "":
			return nodeTest{kind: testAnyName}, nil
		case t.val == "*":
			return nodeTest{kind: testNamespace, prefix: t.prefix}, nil
		}
		return nodeTest{kind: testName, prefix: t.prefix, local: t.val}, nil
	case tokNodeType:
		if _, err := p.expect(tokLParen, "("); err != nil {
			return nodeTest{}, err
		}
		test := nodeTest{}
		switch t.val {
		case "node":
			test.kind = testNode
		case "text":
			test.kind = testText
		case "comment":
			test.kind = testComment
		case "processing-instruction":
			test.kind = testPI
			if p.peek().kind == tokLiteral {
				test.local = p.advance().val
			}
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nodeTest{}, err
		}
		return test, nil
	}
	return nodeTest{}, p.errorf(t, "expected node test")
}
