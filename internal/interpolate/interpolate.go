// Package interpolate substitutes {{name}} placeholders from layered
// variable scopes and coerces the result into a typed value.
package interpolate

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkt.systems/bruscript/internal/marshal"
	"pkt.systems/bruscript/internal/vars"
)

// MaxDepth bounds how many times a resolved value is itself interpolated.
const MaxDepth = 10

var placeholder = regexp.MustCompile(`\{\{([^{}]+?)\}\}`)

// Mock returns the value of a {{$name}} placeholder.
type Mock func() string

// Mocks are the dynamic placeholders resolved on every use.
var Mocks = map[string]Mock{
	"guid":         func() string { return uuid.NewString() },
	"randomUUID":   func() string { return uuid.NewString() },
	"timestamp":    func() string { return strconv.FormatInt(time.Now().Unix(), 10) },
	"isoTimestamp": func() string { return time.Now().UTC().Format("2006-01-02T15:04:05.000Z") },
	"randomInt":    func() string { return strconv.Itoa(rand.IntN(1000)) },
}

// Interpolate replaces every {{name}} in s with the value bound in set.
// Layers are searched from highest precedence down, process.env.NAME reads
// the process environment and unresolved placeholders are left untouched.
func Interpolate(s string, set *vars.Set) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	set = set.Ensure()
	r := resolver{set: set, env: envWithProcess(set)}
	return r.expand(s, 0, nil)
}

type resolver struct {
	set *vars.Set
	env map[string]any
}

// envWithProcess interpolates environment values against process.env, the
// only layer environment values may reference.
func envWithProcess(set *vars.Set) map[string]any {
	env := set.Env.Snapshot()
	for k, v := range env {
		s, ok := v.(string)
		if !ok || !strings.Contains(s, "{{process.env.") {
			continue
		}
		env[k] = placeholder.ReplaceAllStringFunc(s, func(m string) string {
			name := m[2 : len(m)-2]
			if key, ok := strings.CutPrefix(name, "process.env."); ok {
				if pv, ok := set.Process[key]; ok {
					return pv
				}
			}
			return m
		})
	}
	return env
}

func (r resolver) expand(s string, depth int, stack []string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-2]
		if mock, ok := strings.CutPrefix(name, "$"); ok {
			if fn, ok := Mocks[mock]; ok {
				return fn()
			}
			return m
		}
		v, ok := r.lookup(name)
		if !ok {
			return m
		}
		out := marshal.Stringify(v)
		if !strings.Contains(out, "{{") {
			return out
		}
		for _, seen := range stack {
			if seen == name {
				return m
			}
		}
		if depth >= MaxDepth {
			return out
		}
		return r.expand(out, depth+1, append(stack, name))
	})
}

func (r resolver) lookup(name string) (any, bool) {
	if key, ok := strings.CutPrefix(name, "process.env."); ok {
		v, ok := r.set.Process[key]
		return v, ok
	}
	for i := len(vars.Precedence) - 1; i >= 0; i-- {
		l := vars.Precedence[i]
		var bound map[string]any
		if l == vars.LayerEnv {
			bound = r.env
		} else {
			bound = r.set.Scope(l).Snapshot()
		}
		if v, ok := Path(bound, name); ok {
			return v, true
		}
	}
	return nil, false
}

// Path resolves name in m. An exact key wins; otherwise name is split at a
// '.' or '[' boundary and the rest is resolved inside the prefix's value, so
// "user.fav-food[0]" reads m["user"]["fav-food"][0].
func Path(m map[string]any, name string) (any, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for i := 0; i < len(name); i++ {
		if name[i] != '.' && name[i] != '[' {
			continue
		}
		head, ok := m[name[:i]]
		if !ok {
			continue
		}
		rest := name[i:]
		if v, ok := descend(head, rest); ok {
			return v, true
		}
	}
	return nil, false
}

func descend(v any, rest string) (any, bool) {
	if rest == "" {
		return v, true
	}
	switch {
	case rest[0] == '.':
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		return Path(obj, rest[1:])
	case rest[0] == '[':
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, false
		}
		key := strings.Trim(rest[1:end], `'"`)
		var next any
		switch t := v.(type) {
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			next = t[idx]
		case map[string]any:
			val, ok := t[key]
			if !ok {
				return nil, false
			}
			next = val
		default:
			return nil, false
		}
		return descend(next, rest[end+1:])
	}
	return nil, false
}

// Literal reports whether s is a literal that needs no evaluation and
// returns its value: true, false, null, undefined, a quoted string or a
// finite number within the safe integer range.
func Literal(s string) (any, bool) {
	switch s {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null":
		return nil, true
	case "undefined":
		return marshal.Absent, true
	case "":
		return "", true
	}
	if len(s) >= 2 {
		q := s[0]
		if (q == '"' || q == '\'') && s[len(s)-1] == q && !strings.ContainsRune(s[1:len(s)-1], rune(q)) {
			return s[1 : len(s)-1], true
		}
	}
	if n, ok := number(s); ok {
		return n, true
	}
	return nil, false
}

const maxSafeInteger = 1<<53 - 1

func number(s string) (any, bool) {
	if strings.TrimSpace(s) != s {
		return nil, false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if i > maxSafeInteger || i < -maxSafeInteger {
			return nil, false
		}
		return i, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, false
	}
	if strings.ContainsAny(s, "xXpP_") {
		return nil, false
	}
	return f, true
}

// TemplateEvaluator evaluates text as a JavaScript template literal with
// the phase's variables in scope.
type TemplateEvaluator interface {
	EvalTemplate(ctx context.Context, tmpl string) (any, error)
}

// Value interpolates s and turns the result into a typed value: literals
// short-circuit, anything else is evaluated as a template literal.
func Value(ctx context.Context, s string, set *vars.Set, ev TemplateEvaluator) (any, error) {
	out := Interpolate(s, set)
	if v, ok := Literal(out); ok {
		return v, nil
	}
	if ev == nil {
		return out, nil
	}
	v, err := ev.EvalTemplate(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("evaluating template %q: %w", out, err)
	}
	return v, nil
}
