package condition

import "strings"

// Actual resolves the condition's field against s.
func (c Condition) Actual(s Snapshot) (float64, bool) {
	f, ok := ParseField(c.Field)
	if !ok {
		return 0, false
	}
	return f.Resolve(s)
}

// EvaluateAtomic reports whether a single comparison holds. Unknown fields,
// unknown operators, unavailable values and unparsable literals are false.
func EvaluateAtomic(c Condition, s Snapshot) bool {
	op, ok := ParseOperator(c.Operator)
	if !ok {
		return false
	}
	actual, ok := c.Actual(s)
	if !ok {
		return false
	}
	return op.Compare(actual, c.Value.Float())
}

// EvaluateTree reduces every rule with the tree operator. An empty tree never
// matches.
func EvaluateTree(t Tree, s Snapshot) bool {
	if len(t.Rules) == 0 {
		return false
	}
	switch strings.ToLower(t.Operator) {
	case "", "and":
		for _, c := range t.Rules {
			if !EvaluateAtomic(c, s) {
				return false
			}
		}
		return true
	case "or":
		for _, c := range t.Rules {
			if EvaluateAtomic(c, s) {
				return true
			}
		}
		return false
	}
	return false
}
