package interp

import (
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/sahilm/fuzzy"
)

// Interpolate expands `${name}` and `$name` references in template against
// ctx. Missing required names produce an Interpolation DomainError naming
// the unresolved variable (§4.4), with a best-effort did-you-mean
// suggestion drawn from the scope's known names.
func Interpolate(template string, ctx *core.ExecutionContext) (string, error) {
	scope := NewScope(ctx)
	var b strings.Builder
	i := 0
	for i < len(template) {
		c := template[i]
		if c != '$' || i+1 >= len(template) {
			b.WriteByte(c)
			i++
			continue
		}

		if template[i+1] == '{' {
			end := strings.IndexByte(template[i+2:], '}')
			if end < 0 {
				b.WriteByte(c)
				i++
				continue
			}
			name := template[i+2 : i+2+end]
			val, err := resolveOrError(scope, name)
			if err != nil {
				return "", err
			}
			b.WriteString(stringify(val))
			i = i + 2 + end + 1
			continue
		}

		// Bare $name form: a leading identifier run (letters, digits,
		// underscore, dot). Positional args like $1 are included.
		j := i + 1
		for j < len(template) && isNameByte(template[j]) {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			i++
			continue
		}
		name := template[i+1 : j]
		val, err := resolveOrError(scope, name)
		if err != nil {
			return "", err
		}
		b.WriteString(stringify(val))
		i = j
	}
	return b.String(), nil
}

func isNameByte(c byte) bool {
	return c == '_' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func resolveOrError(scope *Scope, name string) (any, error) {
	val, ok := scope.Resolve(name)
	if !ok {
		suggestion := suggest(name, scope.KnownNames())
		msg := fmt.Sprintf("undefined variable %q", name)
		if suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
		}
		return nil, core.ErrInterpolation(core.CodeUnresolvedVariable, msg, name)
	}
	return val, nil
}

func suggest(name string, known []string) string {
	if len(known) == 0 {
		return ""
	}
	matches := fuzzy.Find(name, known)
	if len(matches) == 0 {
		return ""
	}
	return matches[0].Str
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
