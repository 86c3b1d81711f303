package interp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// Expr is a compiled expression (§4.4). Compilation happens once when a
// workflow is loaded; Eval is pure and side-effect-free.
type Expr struct {
	root node
	src  string
}

// Compile parses src into an Expr. Compile errors are ValidationFailed
// DomainErrors (a malformed `when`/filter/stop-condition is a workflow
// load-time defect, not a runtime one).
func Compile(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, core.ErrValidationFailed("EXPR_LEX_ERROR", err.Error())
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, core.ErrValidationFailed("EXPR_PARSE_ERROR", err.Error())
	}
	if !p.atEnd() {
		return nil, core.ErrValidationFailed("EXPR_PARSE_ERROR", "unexpected trailing tokens in expression: "+src)
	}
	return &Expr{root: n, src: src}, nil
}

// MustCompile is Compile but panics on error; reserved for literal
// expressions constructed in Go code, never for user-supplied workflow
// text.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Eval evaluates the expression against ctx.
func (e *Expr) Eval(ctx *core.ExecutionContext) (any, error) {
	return e.root.eval(NewScope(ctx))
}

// EvalBool evaluates the expression and coerces the result to bool using
// the same truthiness rule `when`/filter/stop-condition use.
func (e *Expr) EvalBool(ctx *core.ExecutionContext) (bool, error) {
	v, err := e.Eval(ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

// ---- AST ----

type node interface {
	eval(s *Scope) (any, error)
}

type litNode struct{ val any }

func (n litNode) eval(*Scope) (any, error) { return n.val, nil }

type pathNode struct{ path string }

func (n pathNode) eval(s *Scope) (any, error) {
	v, ok := s.Resolve(n.path)
	if !ok {
		return nil, nil // null-safe: missing paths evaluate to null
	}
	return v, nil
}

type unaryNode struct {
	op string
	x  node
}

func (n unaryNode) eval(s *Scope) (any, error) {
	v, err := n.x.eval(s)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(v), nil
	case "-":
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate non-numeric value")
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

type binNode struct {
	op   string
	l, r node
}

func (n binNode) eval(s *Scope) (any, error) {
	if n.op == "&&" {
		lv, err := n.l.eval(s)
		if err != nil {
			return nil, err
		}
		if !truthy(lv) {
			return false, nil
		}
		rv, err := n.r.eval(s)
		if err != nil {
			return nil, err
		}
		return truthy(rv), nil
	}
	if n.op == "||" {
		lv, err := n.l.eval(s)
		if err != nil {
			return nil, err
		}
		if truthy(lv) {
			return true, nil
		}
		rv, err := n.r.eval(s)
		if err != nil {
			return nil, err
		}
		return truthy(rv), nil
	}

	lv, err := n.l.eval(s)
	if err != nil {
		return nil, err
	}
	rv, err := n.r.eval(s)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equalValues(lv, rv), nil
	case "!=":
		return !equalValues(lv, rv), nil
	case "<", "<=", ">", ">=":
		return compareOrdered(n.op, lv, rv), nil
	case "in":
		return membership(lv, rv), nil
	case "contains":
		return membership(rv, lv), nil
	case "starts_with":
		ls, lok := lv.(string)
		rs, rok := rv.(string)
		return lok && rok && strings.HasPrefix(ls, rs), nil
	case "ends_with":
		ls, lok := lv.(string)
		rs, rok := rv.(string)
		return lok && rok && strings.HasSuffix(ls, rs), nil
	case "matches":
		ls, lok := lv.(string)
		rs, rok := rv.(string)
		if !lok || !rok {
			return false, nil
		}
		re, err := regexp.Compile(rs)
		if err != nil {
			return false, nil
		}
		return re.MatchString(ls), nil
	}
	return nil, fmt.Errorf("unknown binary operator %q", n.op)
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareOrdered(op string, a, b any) bool {
	// Comparisons with null are false except explicit == null (§4.4).
	if a == nil || b == nil {
		return false
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case "<":
			return af < bf
		case "<=":
			return af <= bf
		case ">":
			return af > bf
		case ">=":
			return af >= bf
		}
	}
	as, aok2 := a.(string)
	bs, bok2 := b.(string)
	if aok2 && bok2 {
		switch op {
		case "<":
			return as < bs
		case "<=":
			return as <= bs
		case ">":
			return as > bs
		case ">=":
			return as >= bs
		}
	}
	return false
}

func membership(needle, haystack any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if equalValues(needle, item) {
				return true
			}
		}
		return false
	case string:
		if n, ok := needle.(string); ok {
			return strings.Contains(h, n)
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
