package condition

import "testing"

func ctx() map[string]any {
	return map[string]any{
		"sleep": map[string]any{
			"score":   72,
			"quality": "Good Sleep",
			"deep":    nil,
		},
		"threshold": 75,
		"steps":     "10500",
	}
}

func single(path, op string, value any) *Condition {
	return &Condition{Clause: Clause{Path: path, Op: op, Value: value}}
}

func TestEvaluateNilConditionIsTrue(t *testing.T) {
	if !Evaluate(nil, ctx()) {
		t.Error("nil condition must pass")
	}
}

func TestEvaluateSingleClause(t *testing.T) {
	tests := []struct {
		name string
		cond *Condition
		want bool
	}{
		{"numeric less than", single("sleep.score", "<", 75), true},
		{"numeric greater than", single("sleep.score", ">", 75), false},
		{"lte boundary", single("sleep.score", "<=", 72), true},
		{"gte boundary", single("sleep.score", ">=", 72), true},
		{"equality", single("sleep.score", "==", 72), true},
		{"equality across numeric types", single("sleep.score", "==", 72.0), true},
		{"eq alias", single("sleep.score", "eq", 72), true},
		{"inequality", single("sleep.score", "!=", 72), false},
		{"neq alias", single("sleep.score", "neq", 71), true},
		{"contains case insensitive", single("sleep.quality", "contains", "good"), true},
		{"not_contains", single("sleep.quality", "not_contains", "bad"), true},
		{"starts_with", single("sleep.quality", "starts_with", "good"), true},
		{"ends_with", single("sleep.quality", "ends_with", "SLEEP"), true},
		{"exists", single("sleep.score", "exists", nil), true},
		{"exists on null value", single("sleep.deep", "exists", nil), true},
		{"not_exists on absent", single("sleep.rem", "not_exists", nil), true},
		{"missing path fails comparison", single("sleep.rem", ">", 0), false},
		{"null value fails comparison", single("sleep.deep", ">", 0), false},
		{"numeric string coerces for ordering", single("steps", ">", 10000), true},
		{"string vs number equality is false", single("steps", "==", 10500), false},
		{"non numeric ordering fails", single("sleep.quality", ">", 5), false},
		{"unknown operator fails", single("sleep.score", "~=", 72), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.cond, ctx()); got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateTemplatedValue(t *testing.T) {
	// The expectation references another context path and is re-parsed as a
	// number, so a typed comparison still happens.
	cond := single("sleep.score", "<", "{{threshold}}")
	if !Evaluate(cond, ctx()) {
		t.Error("expected 72 < 75 via templated value")
	}
}

func TestEvaluateComposition(t *testing.T) {
	and := &Condition{
		Operator: "AND",
		Clauses: []Clause{
			{Path: "sleep.score", Op: "<", Value: 75},
			{Path: "sleep.quality", Op: "contains", Value: "good"},
		},
	}
	if !Evaluate(and, ctx()) {
		t.Error("AND composition should pass")
	}

	and.Clauses[0].Op = ">"
	if Evaluate(and, ctx()) {
		t.Error("AND with one failing clause should fail")
	}

	or := &Condition{
		Operator: "OR",
		Clauses: []Clause{
			{Path: "sleep.score", Op: ">", Value: 75},
			{Path: "sleep.quality", Op: "contains", Value: "good"},
		},
	}
	if !Evaluate(or, ctx()) {
		t.Error("OR with one passing clause should pass")
	}

	empty := &Condition{Operator: "AND"}
	if !Evaluate(empty, ctx()) {
		t.Error("empty composition is vacuously true")
	}

	unknown := &Condition{
		Operator: "XOR",
		Clauses:  []Clause{{Path: "sleep.score", Op: "<", Value: 75}},
	}
	if Evaluate(unknown, ctx()) {
		t.Error("unknown logical operator must fail closed")
	}
}
