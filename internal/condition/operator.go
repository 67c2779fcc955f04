package condition

import "math"

// Operator is a numeric comparison.
type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// ParseOperator accepts the stored operator spelling; "=" is an alias of "==".
func ParseOperator(s string) (Operator, bool) {
	switch Operator(s) {
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpEqual, OpNotEqual:
		return Operator(s), true
	case "=":
		return OpEqual, true
	}
	return "", false
}

// Compare applies the operator. NaN on either side is false for every
// operator, "!=" included.
func (op Operator) Compare(actual, literal float64) bool {
	if math.IsNaN(actual) || math.IsNaN(literal) {
		return false
	}
	switch op {
	case OpLess:
		return actual < literal
	case OpLessEqual:
		return actual <= literal
	case OpGreater:
		return actual > literal
	case OpGreaterEqual:
		return actual >= literal
	case OpEqual:
		return actual == literal
	case OpNotEqual:
		return actual != literal
	}
	return false
}
