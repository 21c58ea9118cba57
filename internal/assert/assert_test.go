package assert

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/bruscript/internal/marshal"
	"pkt.systems/bruscript/internal/vars"
)

type fakeEval map[string]any

func (f fakeEval) EvalExpression(_ context.Context, expr string) (any, error) {
	v, ok := f[expr]
	if !ok {
		return nil, errors.New(expr + " is not defined")
	}
	return v, nil
}

func (f fakeEval) EvalTemplate(_ context.Context, tmpl string) (any, error) {
	return tmpl, nil
}

func TestParseOperator(t *testing.T) {
	cases := []struct {
		in, op, operand, ignored string
	}{
		{"200", "eq", "200", ""},
		{"eq 200", "eq", "200", ""},
		{"length 4", "length", "4", ""},
		{"isDefined", "isDefined", "", ""},
		{"isNull extra", "isNull", "", "extra"},
		{"pong is here", "eq", "pong is here", ""},
		{"", "eq", "", ""},
	}
	for _, c := range cases {
		op, operand, ignored := Parse(c.in)
		if string(op) != c.op || operand != c.operand || ignored != c.ignored {
			t.Fatalf("Parse(%q) = %q %q %q", c.in, op, operand, ignored)
		}
	}
}

func TestRunRules(t *testing.T) {
	ev := fakeEval{
		"res.status":       int64(200),
		"res.body":         "pong",
		"res.body.items":   []any{int64(1), int64(2)},
		"res.body.user":    map[string]any{"id": int64(7)},
		"res.body.missing": marshal.Absent,
		"res.responseTime": 42.5,
	}
	set := vars.NewSet()
	set.Runtime.Set("expected", 200)
	rules := []Rule{
		{Expr: "res.status", Value: "eq 200", Enabled: true},
		{Expr: "res.status", Value: "{{expected}}", Enabled: true},
		{Expr: "res.body", Value: "length 4", Enabled: true},
		{Expr: "res.body", Value: "length 5", Enabled: true},
		{Expr: "res.status", Value: "in [200, 201]", Enabled: true},
		{Expr: "res.status", Value: "notIn 500,502", Enabled: true},
		{Expr: "res.responseTime", Value: "between 1,100", Enabled: true},
		{Expr: "res.body", Value: "matches /^po/", Enabled: true},
		{Expr: "res.body", Value: "startsWith 'po'", Enabled: true},
		{Expr: "res.body.items", Value: "contains 2", Enabled: true},
		{Expr: "res.body.user", Value: "isJson", Enabled: true},
		{Expr: "res.body.missing", Value: "isUndefined", Enabled: true},
		{Expr: "res.status", Value: "gt 500", Enabled: true},
		{Expr: "nope", Value: "eq 1", Enabled: true},
		{Expr: "res.status", Value: "eq 404", Enabled: false},
	}
	var buf bytes.Buffer
	results := NewEngine(pslog.NewStructured(&buf)).Run(context.Background(), rules, set, ev)
	if len(results) != len(rules)-1 {
		t.Fatalf("disabled rule should be skipped, got %d results", len(results))
	}
	failed := map[int]string{}
	for i, r := range results {
		if r.UID == "" || r.LHSExpr != rules[i].Expr {
			t.Fatalf("incomplete result %+v", r)
		}
		if r.Status == StatusFail {
			failed[i] = r.Error
		}
	}
	if len(failed) != 3 {
		t.Fatalf("expected 3 failures, got %v", failed)
	}
	if failed[3] != "expected 'pong' to have a length of 5 but got 4" {
		t.Fatalf("length message %q", failed[3])
	}
	if failed[12] != "expected 200 to be above 500" {
		t.Fatalf("gt message %q", failed[12])
	}
	if failed[13] != "nope is not defined" {
		t.Fatalf("evaluation error %q", failed[13])
	}
}

func TestUnaryOperandIgnoredIsLogged(t *testing.T) {
	var buf bytes.Buffer
	lvl, _ := pslog.ParseLevel("debug")
	e := NewEngine(pslog.NewWithOptions(&buf, pslog.Options{Mode: pslog.ModeStructured}).LogLevel(lvl))
	res := e.Run(context.Background(), []Rule{{Expr: "x", Value: "isNull whatever", Enabled: true}}, vars.NewSet(), fakeEval{"x": nil})
	if len(res) != 1 || res[0].Status != StatusPass || res[0].RHSOperand != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(buf.String(), "assert.operand ignored") {
		t.Fatalf("expected debug log, got %q", buf.String())
	}
}

func TestCheckSemantics(t *testing.T) {
	pass := []struct {
		op       Operator
		lhs, rhs any
	}{
		{OpEq, int64(5), 5.0},
		{OpNeq, "a", "b"},
		{OpContains, "foobar", "oba"},
		{OpContains, map[string]any{"a": int64(1)}, "a"},
		{OpNotContains, []any{"x"}, "y"},
		{OpLength, map[string]any{"a": 1, "b": 2}, int64(2)},
		{OpEndsWith, "pong", "ng"},
		{OpIsEmpty, "", nil},
		{OpIsEmpty, map[string]any{}, nil},
		{OpIsTruthy, true, nil},
		{OpIsFalsy, false, nil},
		{OpIsNumber, 1.5, nil},
		{OpIsArray, []any{}, nil},
		{OpNotMatches, "abc", `\d+`},
	}
	for _, c := range pass {
		if err := Check(c.op, c.lhs, c.rhs); err != nil {
			t.Fatalf("%s(%#v, %#v): %v", c.op, c.lhs, c.rhs, err)
		}
	}
	fails := []struct {
		op       Operator
		lhs, rhs any
		msg      string
	}{
		{OpEq, map[string]any{}, map[string]any{}, "expected {} to equal {}"},
		{OpIsTruthy, int64(1), nil, "expected 1 to be true"},
		{OpIn, "c", []any{"a", "b"}, "expected 'c' to be one of [ 'a', 'b' ]"},
		{OpBetween, int64(11), []any{int64(1), int64(10)}, "expected 11 to be within 1..10"},
		{OpIsDefined, marshal.Absent, nil, "expected undefined not to be undefined"},
	}
	for _, c := range fails {
		err := Check(c.op, c.lhs, c.rhs)
		var f *Failure
		if !errors.As(err, &f) || f.Message != c.msg {
			t.Fatalf("%s: got %v, want %q", c.op, err, c.msg)
		}
	}
}
