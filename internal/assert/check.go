package assert

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"

	"pkt.systems/bruscript/internal/marshal"
)

// Failure is a failed comparison.
type Failure struct {
	Message  string
	Actual   any
	Expected any
}

func (f *Failure) Error() string { return f.Message }

func fail(actual, expected any, format string, args ...any) error {
	return &Failure{Message: fmt.Sprintf(format, args...), Actual: actual, Expected: expected}
}

// Check applies op to the evaluated operands. It returns nil on success, a
// *Failure when the comparison does not hold, or a plain error when the
// operands cannot be compared.
func Check(op Operator, lhs, rhs any) error {
	switch op {
	case OpEq:
		if !strictEqual(lhs, rhs) {
			return fail(lhs, rhs, "expected %s to equal %s", inspect(lhs), inspect(rhs))
		}
	case OpNeq:
		if strictEqual(lhs, rhs) {
			return fail(lhs, rhs, "expected %s to not equal %s", inspect(lhs), inspect(rhs))
		}
	case OpGt, OpGte, OpLt, OpLte:
		return compare(op, lhs, rhs)
	case OpIn, OpNotIn:
		list, _ := rhs.([]any)
		found := false
		for _, e := range list {
			if strictEqual(lhs, e) {
				found = true
				break
			}
		}
		if op == OpIn && !found {
			return fail(lhs, rhs, "expected %s to be one of %s", inspect(lhs), inspect(list))
		}
		if op == OpNotIn && found {
			return fail(lhs, rhs, "expected %s to not be one of %s", inspect(lhs), inspect(list))
		}
	case OpContains, OpNotContains:
		ok, err := includes(lhs, rhs)
		if err != nil {
			return err
		}
		if op == OpContains && !ok {
			return fail(lhs, rhs, "expected %s to include %s", inspect(lhs), inspect(rhs))
		}
		if op == OpNotContains && ok {
			return fail(lhs, rhs, "expected %s to not include %s", inspect(lhs), inspect(rhs))
		}
	case OpLength:
		return checkLength(lhs, rhs)
	case OpMatches, OpNotMatches:
		return checkMatch(op, lhs, rhs)
	case OpStartsWith, OpEndsWith:
		s, ok := lhs.(string)
		want := jsString(rhs)
		verb := "start"
		has := strings.HasPrefix
		if op == OpEndsWith {
			verb, has = "end", strings.HasSuffix
		}
		if !ok || !has(s, want) {
			return fail(lhs, rhs, "expected %s to %s with %s", inspect(lhs), verb, inspect(rhs))
		}
	case OpBetween:
		bounds, _ := rhs.([]any)
		if len(bounds) != 2 {
			return errors.New("between requires two bounds")
		}
		n, ok := number(lhs)
		lo, okLo := number(bounds[0])
		hi, okHi := number(bounds[1])
		if !ok || !okLo || !okHi {
			return fmt.Errorf("expected %s to be a number or a date", inspect(lhs))
		}
		if n < lo || n > hi {
			return fail(lhs, rhs, "expected %s to be within %s..%s", inspect(lhs), inspect(bounds[0]), inspect(bounds[1]))
		}
	case OpIsEmpty:
		return checkEmpty(lhs)
	case OpIsNull:
		if lhs != nil {
			return fail(lhs, nil, "expected %s to be null", inspect(lhs))
		}
	case OpIsUndefined:
		if !marshal.IsAbsent(lhs) {
			return fail(lhs, marshal.Absent, "expected %s to be undefined", inspect(lhs))
		}
	case OpIsDefined:
		if marshal.IsAbsent(lhs) {
			return fail(lhs, nil, "expected undefined not to be undefined")
		}
	case OpIsTruthy:
		if lhs != true {
			return fail(lhs, true, "expected %s to be true", inspect(lhs))
		}
	case OpIsFalsy:
		if lhs != false {
			return fail(lhs, false, "expected %s to be false", inspect(lhs))
		}
	case OpIsJSON:
		if _, ok := lhs.(map[string]any); !ok {
			return fail(lhs, nil, "expected %s to be JSON", inspect(lhs))
		}
	case OpIsNumber:
		if _, ok := number(lhs); !ok {
			return fail(lhs, nil, "expected %s to be a number", inspect(lhs))
		}
	case OpIsString:
		if _, ok := lhs.(string); !ok {
			return fail(lhs, nil, "expected %s to be a string", inspect(lhs))
		}
	case OpIsBoolean:
		if _, ok := lhs.(bool); !ok {
			return fail(lhs, nil, "expected %s to be a boolean", inspect(lhs))
		}
	case OpIsArray:
		if _, ok := lhs.([]any); !ok {
			return fail(lhs, nil, "expected %s to be an array", inspect(lhs))
		}
	default:
		return fmt.Errorf("unknown assertion operator %q", op)
	}
	return nil
}

func compare(op Operator, lhs, rhs any) error {
	a, ok := number(lhs)
	if !ok {
		return fmt.Errorf("expected %s to be a number or a date", inspect(lhs))
	}
	b, ok := number(rhs)
	if !ok {
		return fmt.Errorf("the argument to %s must be a number", op)
	}
	var holds bool
	var phrase string
	switch op {
	case OpGt:
		holds, phrase = a > b, "above"
	case OpGte:
		holds, phrase = a >= b, "at least"
	case OpLt:
		holds, phrase = a < b, "below"
	default:
		holds, phrase = a <= b, "at most"
	}
	if !holds {
		return fail(lhs, rhs, "expected %s to be %s %s", inspect(lhs), phrase, inspect(rhs))
	}
	return nil
}

func includes(lhs, rhs any) (bool, error) {
	switch t := lhs.(type) {
	case string:
		return strings.Contains(t, jsString(rhs)), nil
	case []any:
		for _, e := range t {
			if strictEqual(e, rhs) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		if sub, ok := rhs.(map[string]any); ok {
			for k, v := range sub {
				if got, ok := t[k]; !ok || !strictEqual(got, v) {
					return false, nil
				}
			}
			return true, nil
		}
		_, ok := t[jsString(rhs)]
		return ok, nil
	}
	return false, fmt.Errorf("object tested must be an array, an object, or a string, but %s given", typeName(lhs))
}

func checkLength(lhs, rhs any) error {
	want, ok := number(rhs)
	if !ok {
		return fmt.Errorf("the argument to lengthOf must be a number, got %s", inspect(rhs))
	}
	var got int
	switch t := lhs.(type) {
	case string:
		got = jsLength(t)
	case []any:
		got = len(t)
	case map[string]any:
		got = len(t)
	default:
		return fail(lhs, rhs, "expected %s to have property 'length'", inspect(lhs))
	}
	if float64(got) != want {
		return fail(int64(got), rhs, "expected %s to have a length of %s but got %d", inspect(lhs), inspect(rhs), got)
	}
	return nil
}

func checkMatch(op Operator, lhs, rhs any) error {
	pattern := jsString(rhs)
	re, err := regexp2.Compile(pattern, regexp2.ECMAScript)
	if err != nil {
		return fmt.Errorf("invalid regular expression /%s/: %w", pattern, err)
	}
	matched := false
	if !marshal.IsAbsent(lhs) {
		matched, err = re.MatchString(jsString(lhs))
		if err != nil {
			return err
		}
	}
	if op == OpMatches && !matched {
		return fail(lhs, rhs, "expected %s to match /%s/", inspect(lhs), pattern)
	}
	if op == OpNotMatches && matched {
		return fail(lhs, rhs, "expected %s not to match /%s/", inspect(lhs), pattern)
	}
	return nil
}

func checkEmpty(lhs any) error {
	var empty bool
	switch t := lhs.(type) {
	case string:
		empty = t == ""
	case []any:
		empty = len(t) == 0
	case map[string]any:
		empty = len(t) == 0
	default:
		return fmt.Errorf(".empty was passed non-string primitive %s", inspect(lhs))
	}
	if !empty {
		return fail(lhs, nil, "expected %s to be empty", inspect(lhs))
	}
	return nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int64, float64, int:
		return "number"
	}
	if marshal.IsAbsent(v) {
		return "undefined"
	}
	return fmt.Sprintf("%T", v)
}
