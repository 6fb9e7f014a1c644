package tablemgr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"tablekit/internal/apperr"
)

// Formula is a parsed calculated-column expression.
//
// The grammar is deliberately closed: numbers, quoted strings, [column]
// references, the operators + - * / % and & (text concatenation),
// parentheses and the functions listed in formulaFuncs. Nothing else parses,
// so a formula never reaches the database as SQL.
type Formula struct {
	Source string `json:"formula"`
	// Columns are the referenced live column names in first-use order.
	Columns []string `json:"columns"`

	root node
}

//
// lexer
//

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokColumn
	tokIdent
	tokLParen
	tokRParen
	tokComma
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
	tokAmp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var singleCharTokens = map[byte]tokenKind{
	'(': tokLParen,
	')': tokRParen,
	',': tokComma,
	'+': tokPlus,
	'-': tokMinus,
	'*': tokStar,
	'/': tokSlash,
	'%': tokPercent,
	'&': tokAmp,
}

func lexFormula(s string) ([]token, error) {
	var out []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			out = append(out, token{kind: tokNumber, text: s[i:j], pos: i})
			i = j
		case c == '"' || c == '\'':
			var b strings.Builder
			j := i + 1
			for {
				if j >= len(s) {
					return nil, fmt.Errorf("unterminated string at %d", i+1)
				}
				if s[j] == c {
					if j+1 < len(s) && s[j+1] == c {
						b.WriteByte(c)
						j += 2
						continue
					}
					break
				}
				b.WriteByte(s[j])
				j++
			}
			out = append(out, token{kind: tokString, text: b.String(), pos: i})
			i = j + 1
		case c == '[':
			j := strings.IndexByte(s[i+1:], ']')
			if j < 0 {
				return nil, fmt.Errorf("unterminated column reference at %d", i+1)
			}
			name := strings.TrimSpace(s[i+1 : i+1+j])
			if name == "" {
				return nil, fmt.Errorf("empty column reference at %d", i+1)
			}
			out = append(out, token{kind: tokColumn, text: name, pos: i})
			i += j + 2
		case c < 0x80 && (unicode.IsLetter(rune(c)) || c == '_'):
			j := i
			for j < len(s) && s[j] < 0x80 && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_') {
				j++
			}
			out = append(out, token{kind: tokIdent, text: s[i:j], pos: i})
			i = j
		default:
			k, ok := singleCharTokens[c]
			if !ok {
				return nil, fmt.Errorf("unexpected %q at %d", c, i+1)
			}
			out = append(out, token{kind: k, text: string(c), pos: i})
			i++
		}
	}
	return append(out, token{kind: tokEOF, pos: len(s)}), nil
}

//
// parser
//

// ParseFormula parses src against the given live column names. Column
// references match case-insensitively. Syntax errors are InvalidFormula and
// unknown references are UnknownColumn.
func ParseFormula(src string, columns []string) (*Formula, error) {
	const op = "tablemgr.ParseFormula"
	if strings.TrimSpace(src) == "" {
		return nil, apperr.New(apperr.InvalidFormula, op, "formula is empty")
	}
	toks, err := lexFormula(src)
	if err != nil {
		return nil, apperr.New(apperr.InvalidFormula, op, "%v", err)
	}

	p := &parser{toks: toks, live: columns, slot: map[string]int{}}
	root, err := p.expr(1)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, apperr.New(apperr.InvalidFormula, op, "unexpected %q at %d", t.text, t.pos+1)
	}
	return &Formula{Source: src, Columns: p.refs, root: root}, nil
}

type parser struct {
	toks []token
	i    int

	live []string
	refs []string
	slot map[string]int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) fail(t token, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return apperr.New(apperr.InvalidFormula, "tablemgr.ParseFormula", "%s at %d", msg, t.pos+1)
}

func precedence(k tokenKind) int {
	switch k {
	case tokAmp:
		return 1
	case tokPlus, tokMinus:
		return 2
	case tokStar, tokSlash, tokPercent:
		return 3
	}
	return 0
}

// expr parses by precedence climbing; all binary operators are left
// associative.
func (p *parser) expr(minPrec int) (node, error) {
	left, err := p.prefix()
	if err != nil {
		return nil, err
	}
	for {
		k := p.peek().kind
		prec := precedence(k)
		if prec == 0 || prec < minPrec {
			return left, nil
		}
		p.next()
		right, err := p.expr(prec + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: k, l: left, r: right}
	}
}

func (p *parser) prefix() (node, error) {
	t := p.next()
	switch t.kind {
	case tokMinus:
		x, err := p.expr(precedence(tokStar) + 1)
		if err != nil {
			return nil, err
		}
		return negNode{x: x}, nil
	case tokPlus:
		return p.expr(precedence(tokStar) + 1)
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.fail(t, "invalid number %q", t.text)
		}
		return litNode{v: f}, nil
	case tokString:
		return litNode{v: t.text}, nil
	case tokColumn:
		return p.column(t)
	case tokIdent:
		return p.call(t)
	case tokLParen:
		x, err := p.expr(1)
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, p.fail(c, "expected )")
		}
		return x, nil
	case tokEOF:
		return nil, p.fail(t, "unexpected end of formula")
	}
	return nil, p.fail(t, "unexpected %q", t.text)
}

func (p *parser) column(t token) (node, error) {
	for _, c := range p.live {
		if !strings.EqualFold(c, t.text) {
			continue
		}
		key := strings.ToLower(c)
		i, ok := p.slot[key]
		if !ok {
			i = len(p.refs)
			p.slot[key] = i
			p.refs = append(p.refs, c)
		}
		return colNode{slot: i}, nil
	}
	return nil, apperr.New(apperr.UnknownColumn, "tablemgr.ParseFormula", "column %q does not exist (at %d)", t.text, t.pos+1)
}

func (p *parser) call(t token) (node, error) {
	name := strings.ToUpper(t.text)
	fn, ok := formulaFuncs[name]
	if !ok {
		return nil, p.fail(t, "unknown function %s", t.text)
	}
	if c := p.next(); c.kind != tokLParen {
		return nil, p.fail(c, "expected ( after %s", name)
	}

	var args []node
	if p.peek().kind == tokRParen {
		p.next()
	} else {
		for {
			a, err := p.expr(1)
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			c := p.next()
			if c.kind == tokRParen {
				break
			}
			if c.kind != tokComma {
				return nil, p.fail(c, "expected , or ) in %s", name)
			}
		}
	}
	if len(args) < fn.min || (fn.max >= 0 && len(args) > fn.max) {
		return nil, p.fail(t, "%s takes %s argument(s), got %d", name, fn.arity(), len(args))
	}
	return callNode{name: name, fn: fn.eval, args: args}, nil
}

//
// evaluation
//

// Eval computes the formula for one row. values holds the raw driver values
// of f.Columns in order. The result is nil, a float64 or a string.
func (f *Formula) Eval(values []any) (any, error) {
	return f.root.eval(values)
}

type node interface {
	eval(row []any) (any, error)
}

type litNode struct{ v any }

func (n litNode) eval([]any) (any, error) { return n.v, nil }

type colNode struct{ slot int }

func (n colNode) eval(row []any) (any, error) {
	if n.slot >= len(row) {
		return nil, nil
	}
	return formulaValue(row[n.slot]), nil
}

type negNode struct{ x node }

func (n negNode) eval(row []any) (any, error) {
	v, err := n.x.eval(row)
	if err != nil || v == nil {
		return nil, err
	}
	f, err := asNumber(v)
	if err != nil {
		return nil, err
	}
	return -f, nil
}

type binaryNode struct {
	op   tokenKind
	l, r node
}

func (n binaryNode) eval(row []any) (any, error) {
	a, err := n.l.eval(row)
	if err != nil {
		return nil, err
	}
	b, err := n.r.eval(row)
	if err != nil {
		return nil, err
	}

	if n.op == tokAmp {
		if a == nil && b == nil {
			return nil, nil
		}
		return asText(a) + asText(b), nil
	}
	if a == nil || b == nil {
		return nil, nil
	}
	x, err := asNumber(a)
	if err != nil {
		return nil, err
	}
	y, err := asNumber(b)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokPlus:
		return x + y, nil
	case tokMinus:
		return x - y, nil
	case tokStar:
		return x * y, nil
	case tokSlash:
		if y == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return x / y, nil
	case tokPercent:
		if y == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(x, y), nil
	}
	return nil, fmt.Errorf("unsupported operator")
}

type callNode struct {
	name string
	fn   func(args []any) (any, error)
	args []node
}

func (n callNode) eval(row []any) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(row)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	v, err := n.fn(args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.name, err)
	}
	return v, nil
}

// formulaValue maps a driver value onto the formula's value space.
func formulaValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	case bool:
		if x {
			return 1.0
		}
		return 0.0
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format("2006-01-02 15:04:05")
	case []byte:
		return string(x)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

func asNumber(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%v is not a number", v)
}

func asText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

//
// functions
//

type formulaFunc struct {
	min, max int // max < 0: variadic
	eval     func(args []any) (any, error)
}

func (f formulaFunc) arity() string {
	switch {
	case f.max < 0:
		return fmt.Sprintf("at least %d", f.min)
	case f.min == f.max:
		return strconv.Itoa(f.min)
	}
	return fmt.Sprintf("%d to %d", f.min, f.max)
}

// numeric1 lifts a one-argument float function; a null argument yields null.
func numeric1(fn func(float64) (float64, error)) func([]any) (any, error) {
	return func(args []any) (any, error) {
		if args[0] == nil {
			return nil, nil
		}
		x, err := asNumber(args[0])
		if err != nil {
			return nil, err
		}
		return fn(x)
	}
}

func text1(fn func(string) any) func([]any) (any, error) {
	return func(args []any) (any, error) {
		if args[0] == nil {
			return nil, nil
		}
		return fn(asText(args[0])), nil
	}
}

func extremum(less func(a, b float64) bool) func([]any) (any, error) {
	return func(args []any) (any, error) {
		var (
			best float64
			seen bool
		)
		for _, a := range args {
			if a == nil {
				continue
			}
			x, err := asNumber(a)
			if err != nil {
				return nil, err
			}
			if !seen || less(x, best) {
				best, seen = x, true
			}
		}
		if !seen {
			return nil, nil
		}
		return best, nil
	}
}

var formulaFuncs = map[string]formulaFunc{
	"ABS":   {1, 1, numeric1(func(x float64) (float64, error) { return math.Abs(x), nil })},
	"CEIL":  {1, 1, numeric1(func(x float64) (float64, error) { return math.Ceil(x), nil })},
	"FLOOR": {1, 1, numeric1(func(x float64) (float64, error) { return math.Floor(x), nil })},
	"SQRT": {1, 1, numeric1(func(x float64) (float64, error) {
		if x < 0 {
			return 0, fmt.Errorf("negative argument %v", x)
		}
		return math.Sqrt(x), nil
	})},
	"LOG": {1, 1, numeric1(func(x float64) (float64, error) {
		if x <= 0 {
			return 0, fmt.Errorf("non-positive argument %v", x)
		}
		return math.Log(x), nil
	})},
	"ROUND": {1, 2, func(args []any) (any, error) {
		if args[0] == nil {
			return nil, nil
		}
		x, err := asNumber(args[0])
		if err != nil {
			return nil, err
		}
		digits := 0.0
		if len(args) == 2 && args[1] != nil {
			if digits, err = asNumber(args[1]); err != nil {
				return nil, err
			}
		}
		p := math.Pow(10, math.Trunc(digits))
		return math.Round(x*p) / p, nil
	}},
	"MIN":   {1, -1, extremum(func(a, b float64) bool { return a < b })},
	"MAX":   {1, -1, extremum(func(a, b float64) bool { return a > b })},
	"UPPER": {1, 1, text1(func(s string) any { return strings.ToUpper(s) })},
	"LOWER": {1, 1, text1(func(s string) any { return strings.ToLower(s) })},
	"TRIM":  {1, 1, text1(func(s string) any { return strings.TrimSpace(s) })},
	"LEN":   {1, 1, text1(func(s string) any { return float64(len([]rune(s))) })},
	"COALESCE": {1, -1, func(args []any) (any, error) {
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	}},
}
