// Package expr implements the boolean expression language used in contract
// `when` clauses: all/any/not combinators over selector-operator leaves.
package expr

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ppiankov/callwarden/internal/model"
)

// Operator is a leaf comparison.
type Operator string

const (
	OpExists      Operator = "exists"
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpContainsAny Operator = "contains_any"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpMatches     Operator = "matches"
	OpMatchesAny  Operator = "matches_any"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
)

// Operators lists every supported operator.
var Operators = []Operator{
	OpExists, OpEquals, OpNotEquals, OpIn, OpNotIn,
	OpContains, OpContainsAny, OpStartsWith, OpEndsWith, OpMatches, OpMatchesAny,
	OpGt, OpGte, OpLt, OpLte,
}

// Expr is one node of an expression tree: *And, *Or, *Not or *Leaf.
// Trees are immutable once built and safe to share across goroutines.
type Expr interface {
	eval(f Facts) (bool, error)
	// Map renders the node in bundle form, e.g. {"all": [...]}.
	Map() map[string]any
}

// And is true when every child is true. Evaluation stops at the first false.
type And struct {
	Children []Expr
}

// Or is true when any child is true. Evaluation stops at the first true.
type Or struct {
	Children []Expr
}

// Not negates its single child.
type Not struct {
	Child Expr
}

// Leaf compares the value at Selector using Op.
type Leaf struct {
	Selector string
	Op       Operator
	Value    any

	patterns []*regexp.Regexp
}

// NewAnd builds an And node. At least one child is required.
func NewAnd(children ...Expr) (*And, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("all: requires at least one child")
	}
	return &And{Children: children}, nil
}

// NewOr builds an Or node. At least one child is required.
func NewOr(children ...Expr) (*Or, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("any: requires at least one child")
	}
	return &Or{Children: children}, nil
}

// NewNot builds a Not node.
func NewNot(child Expr) (*Not, error) {
	if child == nil {
		return nil, fmt.Errorf("not: requires exactly one child")
	}
	return &Not{Child: child}, nil
}

// NewLeaf validates the operand shape for op and precompiles regexes.
// Numeric operands are widened to float64.
func NewLeaf(selector string, op Operator, value any) (*Leaf, error) {
	if selector == "" {
		return nil, fmt.Errorf("empty selector")
	}
	v, err := model.NormalizeValue(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", selector, err)
	}
	l := &Leaf{Selector: selector, Op: op, Value: v}

	switch op {
	case OpExists:
		if _, ok := v.(bool); !ok {
			return nil, fmt.Errorf("%s: exists requires true or false", selector)
		}
	case OpEquals, OpNotEquals:
		if !isScalar(v) {
			return nil, fmt.Errorf("%s: %s requires a scalar value", selector, op)
		}
	case OpIn, OpNotIn, OpContainsAny:
		list, ok := v.([]any)
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("%s: %s requires a non-empty list", selector, op)
		}
		if op == OpContainsAny {
			if _, err := stringList(list); err != nil {
				return nil, fmt.Errorf("%s: %s %w", selector, op, err)
			}
		}
	case OpContains, OpStartsWith, OpEndsWith:
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("%s: %s requires a string value", selector, op)
		}
	case OpMatches:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: matches requires a string pattern", selector)
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid regex %q: %w", selector, s, err)
		}
		l.patterns = []*regexp.Regexp{re}
	case OpMatchesAny:
		list, ok := v.([]any)
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("%s: matches_any requires a non-empty list", selector)
		}
		strs, err := stringList(list)
		if err != nil {
			return nil, fmt.Errorf("%s: matches_any %w", selector, err)
		}
		for _, s := range strs {
			re, err := regexp.Compile(s)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid regex %q: %w", selector, s, err)
			}
			l.patterns = append(l.patterns, re)
		}
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := v.(float64); !ok {
			return nil, fmt.Errorf("%s: %s requires a number", selector, op)
		}
	default:
		return nil, fmt.Errorf("%s: unknown operator %q", selector, op)
	}
	return l, nil
}

func (a *And) Map() map[string]any { return map[string]any{"all": mapList(a.Children)} }
func (o *Or) Map() map[string]any  { return map[string]any{"any": mapList(o.Children)} }
func (n *Not) Map() map[string]any { return map[string]any{"not": n.Child.Map()} }

func (l *Leaf) Map() map[string]any {
	return map[string]any{l.Selector: map[string]any{string(l.Op): model.CloneValue(l.Value)}}
}

func mapList(children []Expr) []any {
	out := make([]any, len(children))
	for i, c := range children {
		out[i] = c.Map()
	}
	return out
}

// Walk calls fn for every node in pre-order. Returning false prunes the
// subtree.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch n := e.(type) {
	case *And:
		for _, c := range n.Children {
			Walk(c, fn)
		}
	case *Or:
		for _, c := range n.Children {
			Walk(c, fn)
		}
	case *Not:
		Walk(n.Child, fn)
	}
}

// HasSelector reports whether any leaf in e reads the given selector.
func HasSelector(e Expr, selector string) bool {
	found := false
	Walk(e, func(n Expr) bool {
		if l, ok := n.(*Leaf); ok && l.Selector == selector {
			found = true
		}
		return !found
	})
	return found
}

// String renders a leaf in compact form for messages and logs.
func (l *Leaf) String() string {
	return fmt.Sprintf("%s %s %v", l.Selector, l.Op, l.Value)
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool:
		return true
	}
	return false
}

func stringList(list []any) ([]string, error) {
	out := make([]string, len(list))
	for i, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("requires a list of strings, element %d is %T", i, e)
		}
		out[i] = s
	}
	return out, nil
}

// ValidSelector reports whether selector names a resolvable fact.
func ValidSelector(selector string) bool {
	switch {
	case selector == SelEnvironment, selector == SelToolName, selector == SelOutputText:
		return true
	case strings.HasPrefix(selector, "args.") && len(selector) > len("args."):
		return !strings.Contains(selector, "..") && !strings.HasSuffix(selector, ".")
	case strings.HasPrefix(selector, "principal.claims.") && len(selector) > len("principal.claims."):
		return true
	case strings.HasPrefix(selector, "principal."):
		_, ok := principalFields[strings.TrimPrefix(selector, "principal.")]
		return ok
	}
	return false
}
