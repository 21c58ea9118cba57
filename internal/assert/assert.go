// Package assert evaluates declarative assertions and holds the result
// records shared with scripted tests.
package assert

import (
	"context"
	"os"
	"strings"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/bruscript/internal/interpolate"
	"pkt.systems/bruscript/internal/vars"
)

// Result statuses.
const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// Rule is one declarative assertion: an expression and the operator text
// it is compared with.
type Rule struct {
	Expr    string
	Value   string
	Enabled bool
}

// Result records the outcome of one rule.
type Result struct {
	UID        string `json:"uid"`
	LHSExpr    string `json:"lhsExpr"`
	RHSExpr    string `json:"rhsExpr"`
	RHSOperand string `json:"rhsOperand"`
	Operator   string `json:"operator"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// TestResult records the outcome of one scripted test block.
type TestResult struct {
	UID         string `json:"uid"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	Actual      any    `json:"actual,omitempty"`
	Expected    any    `json:"expected,omitempty"`
}

// Evaluator evaluates JavaScript against the phase context: req, res, bru
// and the phase variables.
type Evaluator interface {
	EvalExpression(ctx context.Context, expr string) (any, error)
	interpolate.TemplateEvaluator
}

// Engine runs assertion rules.
type Engine struct {
	logger pslog.Base
}

// NewEngine returns an engine. A nil logger logs to stdout.
func NewEngine(logger pslog.Base) *Engine {
	if logger == nil {
		logger = pslog.New(os.Stdout)
	}
	return &Engine{logger: logger}
}

// Run evaluates every enabled rule. Evaluation errors become failed results;
// Run never aborts early.
func (e *Engine) Run(ctx context.Context, rules []Rule, set *vars.Set, ev Evaluator) []Result {
	var out []Result
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		op, operand, ignored := Parse(r.Value)
		if ignored != "" {
			e.logger.Debug("assert.operand ignored", "expr", r.Expr, "operator", string(op), "operand", ignored)
		}
		res := Result{
			UID:        uuid.NewString(),
			LHSExpr:    r.Expr,
			RHSExpr:    r.Value,
			RHSOperand: operand,
			Operator:   string(op),
			Status:     StatusPass,
		}
		if err := e.evaluate(ctx, op, r.Expr, operand, set, ev); err != nil {
			res.Status = StatusFail
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out
}

func (e *Engine) evaluate(ctx context.Context, op Operator, expr, operand string, set *vars.Set, ev Evaluator) error {
	lhs, err := ev.EvalExpression(ctx, expr)
	if err != nil {
		return err
	}
	rhs, err := Operand(ctx, op, operand, set, ev)
	if err != nil {
		return err
	}
	return Check(op, lhs, rhs)
}

// Operand evaluates the right-hand side for op. in and notIn accept a
// comma list with optional brackets, between takes "min,max", matches and
// notMatches take a pattern with optional slashes.
func Operand(ctx context.Context, op Operator, operand string, set *vars.Set, ev interpolate.TemplateEvaluator) (any, error) {
	switch {
	case op.Unary():
		return nil, nil
	case op == OpIn || op == OpNotIn || op == OpBetween:
		if op != OpBetween && strings.HasPrefix(operand, "[") && strings.HasSuffix(operand, "]") {
			operand = operand[1 : len(operand)-1]
		}
		parts := strings.Split(operand, ",")
		if op == OpBetween && len(parts) > 2 {
			parts = parts[:2]
		}
		list := make([]any, 0, len(parts))
		for _, p := range parts {
			v, err := interpolate.Value(ctx, strings.TrimSpace(p), set, ev)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case op == OpMatches || op == OpNotMatches:
		if len(operand) >= 2 && strings.HasPrefix(operand, "/") && strings.HasSuffix(operand, "/") {
			operand = operand[1 : len(operand)-1]
		}
		return interpolate.Interpolate(operand, set), nil
	}
	return interpolate.Value(ctx, operand, set, ev)
}
