// Package condition evaluates structured conditions against an execution
// context. A condition is either a single clause (path, op, value) or an
// AND/OR composition of clauses. Evaluation never fails: malformed input
// degrades to false with a logged warning.
package condition

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"runbook/internal/template"
)

var log = zap.NewNop()

// SetLogger installs the logger used for evaluation warnings.
func SetLogger(l *zap.Logger) {
	if l != nil {
		log = l
	}
}

// Clause is a single comparison against a context path.
type Clause struct {
	Path  string `json:"path" yaml:"path"`
	Op    string `json:"op" yaml:"op"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Condition is either a single clause (Path set) or a composition of
// clauses combined with Operator (AND/OR). Compositions do not nest.
type Condition struct {
	Clause   `yaml:",inline"`
	Operator string   `json:"operator,omitempty" yaml:"operator,omitempty"`
	Clauses  []Clause `json:"clauses,omitempty" yaml:"clauses,omitempty"`
}

// Evaluate evaluates a condition against the context. A nil condition is
// vacuously true, as is a composition with no clauses.
func Evaluate(cond *Condition, context map[string]any) bool {
	if cond == nil {
		return true
	}

	if cond.Path != "" {
		return evaluateClause(cond.Clause, context)
	}

	if len(cond.Clauses) == 0 {
		return true
	}

	switch strings.ToUpper(cond.Operator) {
	case "AND", "":
		for _, clause := range cond.Clauses {
			if !evaluateClause(clause, context) {
				return false
			}
		}
		return true
	case "OR":
		for _, clause := range cond.Clauses {
			if evaluateClause(clause, context) {
				return true
			}
		}
		return false
	default:
		log.Warn("unknown logical operator", zap.String("operator", cond.Operator))
		return false
	}
}

func evaluateClause(clause Clause, context map[string]any) bool {
	expected := clause.Value

	// A string expectation may itself be a template; resolve it, then parse
	// it back to a number when it looks numeric so typed comparisons work.
	if s, ok := expected.(string); ok {
		resolved := template.Resolve(s, context)
		expected = coerceNumeric(resolved)
	}

	actual, present := template.Lookup(context, clause.Path)
	return compare(actual, present, clause.Op, expected)
}

// Compare applies op to a present actual value. Use Evaluate for full clause
// semantics including existence checks against an absent path.
func Compare(actual any, op string, expected any) bool {
	return compare(actual, true, op, expected)
}

func compare(actual any, present bool, op string, expected any) bool {
	switch op {
	case "exists":
		return present
	case "not_exists":
		return !present
	}

	if !present || actual == nil {
		return false
	}

	switch op {
	case "<", ">", "<=", ">=":
		a, aok := toFloat(actual)
		e, eok := toFloat(expected)
		if !aok || !eok {
			log.Warn("cannot compare non-numeric values",
				zap.Any("actual", actual), zap.String("op", op), zap.Any("expected", expected))
			return false
		}
		switch op {
		case "<":
			return a < e
		case ">":
			return a > e
		case "<=":
			return a <= e
		default:
			return a >= e
		}

	case "==", "eq":
		return looseEqual(actual, expected)
	case "!=", "neq":
		return !looseEqual(actual, expected)

	case "contains":
		return strings.Contains(lowerString(actual), lowerString(expected))
	case "not_contains":
		return !strings.Contains(lowerString(actual), lowerString(expected))
	case "starts_with":
		return strings.HasPrefix(lowerString(actual), lowerString(expected))
	case "ends_with":
		return strings.HasSuffix(lowerString(actual), lowerString(expected))
	}

	log.Warn("unknown comparison operator", zap.String("op", op))
	return false
}

// looseEqual compares primitives structurally, with mixed numeric types
// comparing by value (85 == 85.0).
func looseEqual(actual, expected any) bool {
	if a, aok := numericValue(actual); aok {
		if e, eok := numericValue(expected); eok {
			return a == e
		}
		return false
	}
	return reflect.DeepEqual(actual, expected)
}

// numericValue converts numeric Go types to float64. Strings are not
// numeric here; equality between "85" and 85 is intentionally false.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// toFloat coerces ordering-comparison operands, accepting numeric strings.
func toFloat(v any) (float64, bool) {
	if f, ok := numericValue(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

// coerceNumeric parses a resolved string expectation into an int or float
// when it looks numeric, otherwise returns it unchanged.
func coerceNumeric(s string) any {
	trimmed := strings.TrimSpace(s)
	if strings.Contains(trimmed, ".") {
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return f
		}
		return s
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		return n
	}
	return s
}

// lowerString renders either operand of a string predicate in lowercase.
func lowerString(v any) string {
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprintf("%v", v)
	}
	return strings.ToLower(s)
}
