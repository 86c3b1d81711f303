// Package interp implements the variable/interpolation engine of §4.4:
// hierarchical scopes, `${...}`/`$name` substitution, a small expression
// grammar for when/filter/stop-condition/handler-condition evaluation, and
// a JSON-path subset for work-item extraction.
//
// No single donor file implements an expression grammar; this package is
// grounded on the donor's pattern of build-then-evaluate separation seen in
// internal/service/dag.go (a builder pass followed by a pure evaluation
// pass) and on the donor's tolerant JSON-shape extraction in
// parsePlanItems, generalized into a standalone recursive-descent parser —
// the idiomatic Go shape for a small expression language.
package interp

import (
	"strconv"
	"strings"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// Scope resolves a dotted/indexed path against an ExecutionContext
// following the §4.4 precedence: step-local captured outputs > loop/item
// bindings > workflow env > host env.
type Scope struct {
	ctx *core.ExecutionContext
}

// NewScope wraps a context for variable resolution.
func NewScope(ctx *core.ExecutionContext) *Scope {
	if ctx == nil {
		ctx = core.NewExecutionContext()
	}
	return &Scope{ctx: ctx}
}

// Resolve looks up a top-level name across scopes in precedence order.
// "<stepid>.<field>" names check StepOutputs first; all other names are
// looked up by their first path segment across the remaining three
// scopes.
func (s *Scope) Resolve(name string) (any, bool) {
	if outputs, ok := s.ctx.StepOutputs[name]; ok {
		// A bare step id with no further path resolves to its output map.
		return outputs, true
	}
	if idx := strings.IndexByte(name, '.'); idx > 0 {
		head, rest := name[:idx], name[idx+1:]
		if outputs, ok := s.ctx.StepOutputs[head]; ok {
			if v, ok := lookupPath(outputs, rest); ok {
				return v, true
			}
		}
	}
	if v, ok := lookupTop(s.ctx.ItemBindings, name); ok {
		return v, true
	}
	if v, ok := lookupTop(s.ctx.WorkflowEnv, name); ok {
		return v, true
	}
	if v, ok := lookupTop(s.ctx.HostEnv, name); ok {
		return v, true
	}
	return nil, false
}

// KnownNames returns every resolvable top-level/dotted name, used for
// did-you-mean suggestions on Interpolation errors.
func (s *Scope) KnownNames() []string {
	var names []string
	for step, outputs := range s.ctx.StepOutputs {
		names = append(names, step)
		for field := range outputs {
			names = append(names, step+"."+field)
		}
	}
	collectKeys(&names, s.ctx.ItemBindings, "")
	collectKeys(&names, s.ctx.WorkflowEnv, "")
	collectKeys(&names, s.ctx.HostEnv, "")
	return names
}

func collectKeys(into *[]string, m map[string]any, prefix string) {
	for k := range m {
		if prefix != "" {
			*into = append(*into, prefix+"."+k)
		} else {
			*into = append(*into, k)
		}
	}
}

func lookupTop(m map[string]any, path string) (any, bool) {
	return lookupPath(m, path)
}

// lookupPath resolves a dotted/bracketed path ("foo.bar[0].baz") against a
// root map. Missing paths return (nil, false); callers treat that as null
// per §4.4's null-safety rule, never as an error on its own.
func lookupPath(root map[string]any, path string) (any, bool) {
	var cur any = root
	for _, seg := range splitPath(path) {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg.key]
			if !ok {
				return nil, false
			}
			cur = next
		default:
			return nil, false
		}
		for _, idx := range seg.indices {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
		}
	}
	return cur, true
}

type pathSegment struct {
	key     string
	indices []int
}

// splitPath parses "a.b[0][1].c" into segments with trailing indices.
func splitPath(path string) []pathSegment {
	var segs []pathSegment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		key := part
		var indices []int
		for {
			open := strings.IndexByte(key, '[')
			if open < 0 {
				break
			}
			close := strings.IndexByte(key[open:], ']')
			if close < 0 {
				break
			}
			close += open
			idxStr := key[open+1 : close]
			if n, err := strconv.Atoi(idxStr); err == nil {
				indices = append(indices, n)
			}
			key = key[:open] + key[close+1:]
		}
		segs = append(segs, pathSegment{key: key, indices: indices})
	}
	return segs
}
