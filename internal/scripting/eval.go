package scripting

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"pkt.systems/bruscript/internal/assert"
	"pkt.systems/bruscript/internal/sandbox"
	"pkt.systems/bruscript/internal/shims"
)

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Names that cannot be bound as parameters, plus the accessors that take
// precedence over variables of the same name.
var reserved = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`break case catch class const continue debugger default delete do else
		enum export extends false finally for function if import in instanceof new null return super switch
		this throw true try typeof var void while with yield let static implements interface package private
		protected public await arguments eval undefined NaN Infinity req res bru`) {
		reserved[w] = true
	}
}

const scopeBinding = "__scope"

// Evaluator evaluates expressions and template literals against one phase
// context, with variables exposed as identifiers. It implements
// assert.Evaluator.
type Evaluator struct {
	r      *Runtime
	b      sandbox.Backend
	params []string
}

var _ assert.Evaluator = (*Evaluator)(nil)

// NewEvaluator returns an evaluator bound to in. Close releases it.
func (r *Runtime) NewEvaluator(ctx context.Context, in RunInput) (*Evaluator, error) {
	in.Vars = in.Vars.Ensure()
	b, err := r.backend(in.Kind, in.CollectionPath)
	if err != nil {
		return nil, err
	}
	c := r.newContext(in, shims.PhaseTest)
	if err := shims.Install(ctx, b, c); err != nil {
		_ = b.Dispose()
		return nil, err
	}
	scope := map[string]any{}
	var params []string
	for name, v := range in.Vars.Merged() {
		if !identifier.MatchString(name) || reserved[name] {
			continue
		}
		scope[name] = v
		params = append(params, name)
	}
	sort.Strings(params)
	if err := b.InstallBinding(scopeBinding, scope); err != nil {
		_ = b.Dispose()
		return nil, err
	}
	return &Evaluator{r: r, b: b, params: params}, nil
}

func (e *Evaluator) source(body string) string {
	if len(e.params) == 0 {
		return body
	}
	args := make([]string, len(e.params))
	for i, p := range e.params {
		args[i] = scopeBinding + "[" + strconv.Quote(p) + "]"
	}
	return "((" + strings.Join(e.params, ", ") + ") => (\n" + body + "\n))(" + strings.Join(args, ", ") + ")"
}

func (e *Evaluator) eval(ctx context.Context, name, body string) (any, error) {
	p, err := e.b.Compile(sandbox.Source{Name: name, Code: e.source(body), Mode: sandbox.ModeExpression})
	if err != nil {
		return nil, err
	}
	return e.r.runBounded(ctx, e.b, p, name)
}

// EvalExpression evaluates a single JavaScript expression.
func (e *Evaluator) EvalExpression(ctx context.Context, expr string) (any, error) {
	return e.eval(ctx, "expression.js", expr)
}

// EvalTemplate evaluates tmpl as the body of a template literal.
func (e *Evaluator) EvalTemplate(ctx context.Context, tmpl string) (any, error) {
	return e.eval(ctx, "template.js", "`"+strings.ReplaceAll(tmpl, "`", "\\`")+"`")
}

// Close releases the backend.
func (e *Evaluator) Close() error { return e.b.Dispose() }

// RunAssertions evaluates rules against the response phase described by in.
// Failures are part of the results; only host failures are returned.
func (r *Runtime) RunAssertions(ctx context.Context, rules []assert.Rule, in RunInput) ([]assert.Result, error) {
	enabled := false
	for _, rule := range rules {
		if rule.Enabled {
			enabled = true
			break
		}
	}
	if !enabled {
		return nil, nil
	}
	in.Vars = in.Vars.Ensure()
	ev, err := r.NewEvaluator(ctx, in)
	if err != nil {
		return nil, err
	}
	defer ev.Close()
	return assert.NewEngine(r.cfg.logger).Run(ctx, rules, in.Vars, ev), nil
}
