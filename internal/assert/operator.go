package assert

import "strings"

// Operator names an assertion comparison.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "notIn"
	OpContains    Operator = "contains"
	OpNotContains Operator = "notContains"
	OpLength      Operator = "length"
	OpMatches     Operator = "matches"
	OpNotMatches  Operator = "notMatches"
	OpStartsWith  Operator = "startsWith"
	OpEndsWith    Operator = "endsWith"
	OpBetween     Operator = "between"
	OpIsEmpty     Operator = "isEmpty"
	OpIsNull      Operator = "isNull"
	OpIsUndefined Operator = "isUndefined"
	OpIsDefined   Operator = "isDefined"
	OpIsTruthy    Operator = "isTruthy"
	OpIsFalsy     Operator = "isFalsy"
	OpIsJSON      Operator = "isJson"
	OpIsNumber    Operator = "isNumber"
	OpIsString    Operator = "isString"
	OpIsBoolean   Operator = "isBoolean"
	OpIsArray     Operator = "isArray"
)

var binary = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNotIn: true, OpContains: true, OpNotContains: true, OpLength: true,
	OpMatches: true, OpNotMatches: true, OpStartsWith: true, OpEndsWith: true, OpBetween: true,
}

var unary = map[Operator]bool{
	OpIsEmpty: true, OpIsNull: true, OpIsUndefined: true, OpIsDefined: true,
	OpIsTruthy: true, OpIsFalsy: true, OpIsJSON: true, OpIsNumber: true,
	OpIsString: true, OpIsBoolean: true, OpIsArray: true,
}

// Unary reports whether op takes no operand.
func (op Operator) Unary() bool { return unary[op] }

// Known reports whether op is a supported operator.
func (op Operator) Known() bool { return binary[op] || unary[op] }

// Parse splits an assertion value into operator and operand. The first
// space-delimited token is the operator when it names one; otherwise the
// whole value is an eq operand. ignored carries operand text a unary
// operator discarded.
func Parse(value string) (op Operator, operand, ignored string) {
	if value == "" {
		return OpEq, "", ""
	}
	head, rest, _ := strings.Cut(strings.TrimSpace(value), " ")
	op = Operator(head)
	switch {
	case op.Unary():
		return op, "", rest
	case op.Known():
		return op, rest, ""
	}
	return OpEq, value, ""
}
