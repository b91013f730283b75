package expr

import (
	"fmt"
	"reflect"
	"strings"
)

// PolicyError reports a leaf that could not be evaluated, such as a numeric
// operator applied to a string. It is distinct from a false result.
type PolicyError struct {
	Selector string
	Op       Operator
	Message  string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy error: %s %s: %s", e.Selector, e.Op, e.Message)
}

func typeMismatch(l *Leaf, actual any) *PolicyError {
	return &PolicyError{
		Selector: l.Selector,
		Op:       l.Op,
		Message:  fmt.Sprintf("type mismatch: %s cannot be applied to %s", l.Op, typeName(actual)),
	}
}

// Evaluate runs e against f. A missing selector makes its leaf false.
// The only error returned is a *PolicyError, and it propagates through
// all, any and not for children that were actually evaluated.
func Evaluate(e Expr, f Facts) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = false
			err = &PolicyError{Message: fmt.Sprintf("evaluation panic: %v", r)}
		}
	}()
	if e == nil {
		return false, &PolicyError{Message: "nil expression"}
	}
	return e.eval(f)
}

func (a *And) eval(f Facts) (bool, error) {
	for _, c := range a.Children {
		ok, err := c.eval(f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (o *Or) eval(f Facts) (bool, error) {
	for _, c := range o.Children {
		ok, err := c.eval(f)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (n *Not) eval(f Facts) (bool, error) {
	ok, err := n.Child.eval(f)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (l *Leaf) eval(f Facts) (bool, error) {
	actual, present := Resolve(l.Selector, f)

	if l.Op == OpExists {
		want, _ := l.Value.(bool)
		return present == want, nil
	}
	if !present {
		return false, nil
	}

	switch l.Op {
	case OpEquals:
		return valuesEqual(actual, l.Value), nil
	case OpNotEquals:
		return !valuesEqual(actual, l.Value), nil
	case OpIn:
		return inList(actual, l.Value.([]any)), nil
	case OpNotIn:
		return !inList(actual, l.Value.([]any)), nil

	case OpContains:
		switch a := actual.(type) {
		case string:
			return strings.Contains(a, l.Value.(string)), nil
		case []any:
			return inList(l.Value, a), nil
		}
		return false, typeMismatch(l, actual)
	case OpContainsAny:
		switch a := actual.(type) {
		case string:
			for _, want := range l.Value.([]any) {
				if strings.Contains(a, want.(string)) {
					return true, nil
				}
			}
			return false, nil
		case []any:
			for _, want := range l.Value.([]any) {
				if inList(want, a) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, typeMismatch(l, actual)
	case OpStartsWith, OpEndsWith, OpMatches, OpMatchesAny:
		s, ok := actual.(string)
		if !ok {
			return false, typeMismatch(l, actual)
		}
		return l.stringOp(s), nil

	case OpGt, OpGte, OpLt, OpLte:
		n, ok := actual.(float64)
		if !ok {
			return false, typeMismatch(l, actual)
		}
		want := l.Value.(float64)
		switch l.Op {
		case OpGt:
			return n > want, nil
		case OpGte:
			return n >= want, nil
		case OpLt:
			return n < want, nil
		default:
			return n <= want, nil
		}
	}
	return false, &PolicyError{Selector: l.Selector, Op: l.Op, Message: "unknown operator"}
}

func (l *Leaf) stringOp(s string) bool {
	switch l.Op {
	case OpStartsWith:
		return strings.HasPrefix(s, l.Value.(string))
	case OpEndsWith:
		return strings.HasSuffix(s, l.Value.(string))
	default:
		// matches has one pattern, matches_any stops at the first hit
		for _, re := range l.patterns {
			if re.MatchString(s) {
				return true
			}
		}
		return false
	}
}

func valuesEqual(a, b any) bool {
	if an, ok := a.(float64); ok {
		bn, ok := b.(float64)
		return ok && an == bn
	}
	return reflect.DeepEqual(a, b)
}

func inList(v any, list []any) bool {
	for _, e := range list {
		if valuesEqual(v, e) {
			return true
		}
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "list"
	case map[string]any:
		return "mapping"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
