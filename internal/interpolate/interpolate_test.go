package interpolate

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"pkt.systems/bruscript/internal/marshal"
	"pkt.systems/bruscript/internal/vars"
)

func testSet() *vars.Set {
	set := (&vars.Set{Process: map[string]string{"TOKEN": "s3cr3t"}}).Ensure()
	set.Collection.Set("host", "collection.example")
	set.Env.Set("host", "env.example")
	set.Env.Set("auth", "Bearer {{process.env.TOKEN}}")
	set.Runtime.Set("user", map[string]any{
		"name":       "Bruno",
		"fav-food":   []any{"egg", "meat"},
		"want.focus": true,
	})
	set.Runtime.Set("user.name", "exact")
	set.Request.Set("greeting", "hello {{user.fav-food[1]}}")
	set.Runtime.Set("loop", "{{loop}}")
	return set
}

func TestInterpolatePrecedenceAndPaths(t *testing.T) {
	set := testSet()
	cases := map[string]string{
		"https://{{host}}/ping":         "https://env.example/ping",
		"{{user.name}}":                 "exact",
		"{{user.fav-food[0]}}":          "egg",
		"{{user.want.focus}}":           "true",
		"{{greeting}}!":                 "hello meat!",
		"{{ host }}":                    "{{ host }}",
		"{{missing}} stays":             "{{missing}} stays",
		"{{auth}}":                      "Bearer s3cr3t",
		"{{process.env.TOKEN}}":         "s3cr3t",
		"{{loop}}":                      "{{loop}}",
		"{{$unknownMock}}":              "{{$unknownMock}}",
	}
	for in, want := range cases {
		if got := Interpolate(in, set); got != want {
			t.Fatalf("Interpolate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInterpolateMocks(t *testing.T) {
	got := Interpolate("{{$guid}}/{{$timestamp}}/{{$randomInt}}", vars.NewSet())
	if !regexp.MustCompile(`^[0-9a-f-]{36}/\d+/\d+$`).MatchString(got) {
		t.Fatalf("unexpected mock output %q", got)
	}
}

func TestLiteral(t *testing.T) {
	cases := []struct {
		in   string
		want any
		ok   bool
	}{
		{"true", true, true},
		{"false", false, true},
		{"null", nil, true},
		{`"hello"`, "hello", true},
		{"'world'", "world", true},
		{"42", int64(42), true},
		{"3.14", 3.14, true},
		{"9007199254740993", nil, false},
		{"NaN", nil, false},
		{"res.status", nil, false},
	}
	for _, c := range cases {
		got, ok := Literal(c.in)
		if ok != c.ok || (ok && got != c.want) {
			t.Fatalf("Literal(%q) = %#v, %v; want %#v, %v", c.in, got, ok, c.want, c.ok)
		}
	}
	if v, ok := Literal("undefined"); !ok || !marshal.IsAbsent(v) {
		t.Fatalf("undefined should be absent, got %#v", v)
	}
}

type fakeTemplates struct {
	seen string
	err  error
}

func (f *fakeTemplates) EvalTemplate(_ context.Context, tmpl string) (any, error) {
	f.seen = tmpl
	return "evaluated", f.err
}

func TestValueCoercesBeforeEvaluating(t *testing.T) {
	set := vars.NewSet()
	set.Runtime.Set("flag", true)
	set.Runtime.Set("n", 5)
	ev := &fakeTemplates{}
	ctx := context.Background()

	if v, err := Value(ctx, "{{flag}}", set, ev); err != nil || v != true {
		t.Fatalf("flag: %#v %v", v, err)
	}
	if v, err := Value(ctx, "{{n}}", set, ev); err != nil || v != int64(5) {
		t.Fatalf("n: %#v %v", v, err)
	}
	if ev.seen != "" {
		t.Fatalf("literals must not reach the evaluator")
	}
	if v, err := Value(ctx, "${res.data}", set, ev); err != nil || v != "evaluated" || ev.seen != "${res.data}" {
		t.Fatalf("template: %#v %v %q", v, err, ev.seen)
	}
	ev.err = errors.New("boom")
	if _, err := Value(ctx, "x y", set, ev); err == nil {
		t.Fatalf("expected evaluator error")
	}
}
