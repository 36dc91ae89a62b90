package query

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Parse turns the textual query language into an AST. Precedence, tightest
// first: parentheses, !, and, or. Attribute names are case-sensitive ASCII
// identifiers; the keywords are lowercase.
//
//	lod(2) and aabb([0,0,0],[10,10,10])
//	attr(Classification == 26) or !attr(2 <= Intensity < 100)
//	view_frustum(eye:[0,0,50], target:[0,0,0], up:[0,1,0], fov:45,
//	             window_width:1920, min_distance:4, near:0.1, far:1000)
func Parse(input string) (Query, error) {
	p := &parser{lex: newLexer(input)}
	q, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.lex.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q after query", tok.text)
	}
	return q, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokSymbol // one of ( ) [ ] , : ! and the comparison operators
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input string
	pos   int
	tok   token
	ready bool
}

func newLexer(input string) *lexer { return &lexer{input: input} }

func (l *lexer) peek() token {
	if !l.ready {
		l.tok = l.scan()
		l.ready = true
	}
	return l.tok
}

func (l *lexer) next() token {
	t := l.peek()
	l.ready = false
	return t
}

func (l *lexer) scan() token {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}
	}
	start := l.pos
	c := l.input[l.pos]
	switch {
	case isIdentStart(c):
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.input[start:l.pos], pos: start}
	case c >= '0' && c <= '9' || c == '-' || c == '+' || c == '.':
		for l.pos < len(l.input) && isNumberPart(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}
	}
	// Two-character operators first.
	if l.pos+1 < len(l.input) {
		two := l.input[l.pos : l.pos+2]
		switch two {
		case "==", "!=", "<=", ">=":
			l.pos += 2
			return token{kind: tokSymbol, text: two, pos: start}
		}
	}
	l.pos++
	return token{kind: tokSymbol, text: l.input[start:l.pos], pos: start}
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func isNumberPart(c byte) bool {
	return c >= '0' && c <= '9' || c == '.' || c == 'e' || c == 'E' || c == '-' || c == '+'
}

type parser struct {
	lex *lexer
}

func (p *parser) expect(text string) error {
	tok := p.lex.next()
	if tok.text != text {
		return fmt.Errorf("expected %q at offset %d, got %q", text, tok.pos, tok.text)
	}
	return nil
}

func (p *parser) parseOr() (Query, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Query{left}
	for p.lex.peek().text == "or" {
		p.lex.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return Or{Terms: terms}, nil
}

func (p *parser) parseAnd() (Query, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	terms := []Query{left}
	for p.lex.peek().text == "and" {
		p.lex.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return And{Terms: terms}, nil
}

func (p *parser) parseNot() (Query, error) {
	if p.lex.peek().text == "!" {
		p.lex.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Not{X: inner}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (Query, error) {
	tok := p.lex.next()
	switch {
	case tok.text == "(":
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return inner, nil
	case tok.text == "empty":
		return Empty{}, nil
	case tok.text == "full":
		return Full{}, nil
	case tok.text == "lod":
		return p.parseLod()
	case tok.text == "aabb":
		return p.parseAabb()
	case tok.text == "attr":
		return p.parseAttr()
	case tok.text == "view_frustum":
		return p.parseViewFrustum()
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
}

func (p *parser) parseLod() (Query, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	tok := p.lex.next()
	n, err := strconv.ParseUint(tok.text, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("lod level %q: %w", tok.text, err)
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return Lod{Max: uint8(n)}, nil
}

func (p *parser) parseAabb() (Query, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	min, err := p.parseVec3()
	if err != nil {
		return nil, err
	}
	if err := p.expect(","); err != nil {
		return nil, err
	}
	max, err := p.parseVec3()
	if err != nil {
		return nil, err
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return Aabb{Min: min, Max: max}, nil
}

func (p *parser) parseVec3() ([3]float64, error) {
	v, err := p.parseValue()
	if err != nil {
		return [3]float64{}, err
	}
	if len(v) != 3 {
		return [3]float64{}, fmt.Errorf("expected a 3-component vector, got %d components", len(v))
	}
	return [3]float64{v[0], v[1], v[2]}, nil
}

// parseValue parses either a number or a bracketed vector.
func (p *parser) parseValue() ([]float64, error) {
	tok := p.lex.next()
	if tok.kind == tokNumber {
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", tok.text, err)
		}
		return []float64{f}, nil
	}
	if tok.text != "[" {
		return nil, fmt.Errorf("expected a number or vector at offset %d, got %q", tok.pos, tok.text)
	}
	var out []float64
	for {
		num := p.lex.next()
		if num.kind != tokNumber {
			return nil, fmt.Errorf("expected a number at offset %d, got %q", num.pos, num.text)
		}
		f, err := strconv.ParseFloat(num.text, 64)
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", num.text, err)
		}
		out = append(out, f)
		sep := p.lex.next()
		if sep.text == "]" {
			break
		}
		if sep.text != "," {
			return nil, fmt.Errorf("expected , or ] at offset %d, got %q", sep.pos, sep.text)
		}
	}
	if len(out) < 2 || len(out) > 4 {
		return nil, fmt.Errorf("vector has %d components, want 2..4", len(out))
	}
	return out, nil
}

var cmpOps = map[string]CmpOp{
	"==": OpEq, "!=": OpNe, "<": OpLt, "<=": OpLe, ">": OpGt, ">=": OpGe,
}

func (p *parser) parseAttr() (Query, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	var q Query
	tok := p.lex.peek()
	if tok.kind == tokIdent {
		// name op value
		name := p.lex.next().text
		opTok := p.lex.next()
		op, ok := cmpOps[opTok.text]
		if !ok {
			return nil, fmt.Errorf("expected a comparison operator at offset %d, got %q", opTok.pos, opTok.text)
		}
		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		q = Attr{Name: name, Op: op, Value: value}
	} else {
		// value (<|<=) name (<|<=) value
		lo, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		loOp := p.lex.next()
		if loOp.text != "<" && loOp.text != "<=" {
			return nil, fmt.Errorf("expected < or <= at offset %d, got %q", loOp.pos, loOp.text)
		}
		nameTok := p.lex.next()
		if nameTok.kind != tokIdent {
			return nil, fmt.Errorf("expected an attribute name at offset %d, got %q", nameTok.pos, nameTok.text)
		}
		hiOp := p.lex.next()
		if hiOp.text != "<" && hiOp.text != "<=" {
			return nil, fmt.Errorf("expected < or <= at offset %d, got %q", hiOp.pos, hiOp.text)
		}
		hi, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		if len(lo) != len(hi) {
			return nil, fmt.Errorf("range bounds have %d and %d components", len(lo), len(hi))
		}
		q = AttrRange{
			Name:   nameTok.text,
			Lo:     lo,
			Hi:     hi,
			LoIncl: loOp.text == "<=",
			HiIncl: hiOp.text == "<=",
		}
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return q, nil
}

func (p *parser) parseViewFrustum() (Query, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	params := CameraParams{}
	seen := map[string]bool{}
	for {
		keyTok := p.lex.next()
		if keyTok.kind != tokIdent {
			return nil, fmt.Errorf("expected a parameter name at offset %d, got %q", keyTok.pos, keyTok.text)
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(keyTok.text)
		if seen[key] {
			return nil, fmt.Errorf("duplicate view_frustum parameter %q", key)
		}
		seen[key] = true
		if err := assignCameraParam(&params, key, value); err != nil {
			return nil, err
		}
		sep := p.lex.next()
		if sep.text == ")" {
			break
		}
		if sep.text != "," {
			return nil, fmt.Errorf("expected , or ) at offset %d, got %q", sep.pos, sep.text)
		}
	}
	for _, required := range []string{"eye", "target", "fov", "window_width", "min_distance", "near", "far"} {
		if !seen[required] {
			return nil, fmt.Errorf("view_frustum is missing parameter %q", required)
		}
	}
	if !seen["up"] {
		params.Up = [3]float64{0, 0, 1}
	}
	vf, err := BuildViewFrustum(params)
	if err != nil {
		return nil, err
	}
	return vf, nil
}

func assignCameraParam(p *CameraParams, key string, value []float64) error {
	vec3 := func(dst *[3]float64) error {
		if len(value) != 3 {
			return fmt.Errorf("view_frustum parameter %q needs 3 components, got %d", key, len(value))
		}
		copy(dst[:], value)
		return nil
	}
	scalar := func(dst *float64) error {
		if len(value) != 1 {
			return fmt.Errorf("view_frustum parameter %q needs a scalar", key)
		}
		*dst = value[0]
		return nil
	}
	switch key {
	case "eye":
		return vec3(&p.Eye)
	case "target":
		return vec3(&p.Target)
	case "up":
		return vec3(&p.Up)
	case "fov":
		return scalar(&p.FovYDeg)
	case "aspect":
		return scalar(&p.Aspect)
	case "near":
		return scalar(&p.Near)
	case "far":
		return scalar(&p.Far)
	case "window_width":
		return scalar(&p.WindowWidth)
	case "min_distance":
		return scalar(&p.MinDistance)
	}
	return fmt.Errorf("unknown view_frustum parameter %q", key)
}
