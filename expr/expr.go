// Package expr evaluates the small condition-expression language used by
// condition nodes and loop predicates.
//
// Supported syntax:
//
//	score > 0.5 && label == "urgent"
//	!(retries >= 3) || status != "failed"
//	tags contains "beta"
//	iteration < max_iterations
//
// Operands are literals (numbers, double-quoted strings, true/false) or
// dot-notation paths resolved against the caller-supplied variables
// ("result.score" reads vars["result"]["score"]). Missing paths evaluate to
// nil, which is falsy and only equal to nil, so conditions over values an
// untaken branch never produced degrade to false instead of erroring.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Compiled is a parsed expression ready for repeated evaluation. Loop
// predicates are compiled once per region, then evaluated per iteration.
type Compiled struct {
	src    string
	tokens []token
}

// Compile tokenizes and syntax-checks an expression.
func Compile(src string) (*Compiled, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	// Parse once against empty vars to reject malformed input eagerly.
	p := &parser{tokens: tokens, vars: map[string]any{}}
	if _, err := p.parseOr(); err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	if p.pos != len(tokens) {
		return nil, fmt.Errorf("compile %q: unexpected trailing token %q", src, tokens[p.pos].text)
	}
	return &Compiled{src: src, tokens: tokens}, nil
}

// Source returns the original expression text.
func (c *Compiled) Source() string { return c.src }

// Eval evaluates the expression against vars and returns the raw result.
func (c *Compiled) Eval(vars map[string]any) (any, error) {
	p := &parser{tokens: c.tokens, vars: vars}
	val, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", c.src, err)
	}
	return val, nil
}

// EvalBool evaluates the expression and coerces the result to a boolean.
func (c *Compiled) EvalBool(vars map[string]any) (bool, error) {
	val, err := c.Eval(vars)
	if err != nil {
		return false, err
	}
	return Truthy(val), nil
}

// EvalBool compiles and evaluates in one step. Prefer Compile for
// expressions evaluated more than once.
func EvalBool(src string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(src) == "" {
		return false, nil
	}
	c, err := Compile(src)
	if err != nil {
		return false, err
	}
	return c.EvalBool(vars)
}

// Truthy converts a value to a boolean: nil, false, zero numbers and empty
// strings are false, everything else true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}

// --- tokens ---

type tokenKind int

const (
	tNumber tokenKind = iota
	tString
	tIdent
	tOp
	tLParen
	tRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var out []token
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		ch := runes[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			out = append(out, token{tLParen, "(", i})
			i++
		case ch == ')':
			out = append(out, token{tRParen, ")", i})
			i++
		case ch == '"':
			text, next, err := scanString(runes, i)
			if err != nil {
				return nil, err
			}
			out = append(out, token{tString, text, i})
			i = next
		case i+1 < len(runes) && isTwoCharOp(string(runes[i:i+2])):
			out = append(out, token{tOp, string(runes[i : i+2]), i})
			i += 2
		case ch == '>' || ch == '<' || ch == '!':
			out = append(out, token{tOp, string(ch), i})
			i++
		case isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && negAllowed(out)):
			text, next := scanNumber(runes, i)
			out = append(out, token{tNumber, text, i})
			i = next
		case unicode.IsLetter(ch) || ch == '_':
			text, next := scanIdent(runes, i)
			// Word operators read like infix keywords.
			if text == "contains" || text == "in" {
				out = append(out, token{tOp, text, i})
			} else {
				out = append(out, token{tIdent, text, i})
			}
			i = next
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
		}
	}
	return out, nil
}

func isTwoCharOp(s string) bool {
	switch s {
	case "==", "!=", ">=", "<=", "&&", "||":
		return true
	}
	return false
}

func scanString(runes []rune, start int) (string, int, error) {
	var sb strings.Builder
	i := start + 1
	for i < len(runes) {
		if runes[i] == '\\' && i+1 < len(runes) {
			sb.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if runes[i] == '"' {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated string at position %d", start)
}

func scanNumber(runes []rune, start int) (string, int) {
	i := start
	if runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func scanIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '.') {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool { return ch >= '0' && ch <= '9' }

// negAllowed reports whether a '-' at the current position starts a negative
// number literal (expression start, after an operator, or after '(').
func negAllowed(preceding []token) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	return last.kind == tOp || last.kind == tLParen
}

// --- recursive descent, precedence: || < && < comparison < unary < primary ---

type parser struct {
	tokens []token
	pos    int
	vars   map[string]any
}

func (p *parser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t == nil || t.kind != tOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) || Truthy(right)
	}
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) && Truthy(right)
	}
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", ">", "<", ">=", "<=", "contains", "in")
	if !ok {
		return left, nil
	}
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	switch op {
	case "contains":
		return containsValue(left, right), nil
	case "in":
		return containsValue(right, left), nil
	default:
		return compare(left, op, right), nil
	}
}

func (p *parser) parseUnary() (any, error) {
	if _, ok := p.acceptOp("!"); ok {
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !Truthy(val), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (any, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch t.kind {
	case tNumber:
		p.pos++
		return strconv.ParseFloat(t.text, 64)
	case tString:
		p.pos++
		return t.text, nil
	case tIdent:
		p.pos++
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "nil":
			return nil, nil
		default:
			return lookupPath(t.text, p.vars), nil
		}
	case tLParen:
		p.pos++
		val, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() == nil || p.peek().kind != tRParen {
			return nil, fmt.Errorf("missing closing parenthesis at position %d", t.pos)
		}
		p.pos++
		return val, nil
	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", t.text, t.pos)
	}
}

// lookupPath resolves a dot-notation path against nested maps. Any missing
// segment yields nil.
func lookupPath(path string, vars map[string]any) any {
	var current any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// containsValue reports membership: string substring, slice element, or map
// key.
func containsValue(container, needle any) bool {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, fmt.Sprintf("%v", needle))
	case []any:
		for _, item := range c {
			if compare(item, "==", needle) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range c {
			if compare(item, "==", needle) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := c[fmt.Sprintf("%v", needle)]
		return ok
	default:
		return false
	}
}

// compare applies a comparison operator. nil equals only nil and orders
// below every other value; numbers compare numerically, everything else
// compares as strings.
func compare(left any, op string, right any) bool {
	if left == nil || right == nil {
		switch op {
		case "==":
			return left == nil && right == nil
		case "!=":
			return !(left == nil && right == nil)
		case "<", "<=":
			return left == nil
		case ">", ">=":
			return right == nil
		}
		return false
	}

	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			switch op {
			case "==":
				return lf == rf
			case "!=":
				return lf != rf
			case ">":
				return lf > rf
			case "<":
				return lf < rf
			case ">=":
				return lf >= rf
			case "<=":
				return lf <= rf
			}
		}
	}

	ls, rs := fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
