package validate

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"runbook/internal/automation"
	"runbook/internal/condition"
	"runbook/internal/tools"
)

func testRegistry(t *testing.T) *tools.InMemoryRegistry {
	t.Helper()
	r := tools.NewRegistry(zap.NewNop())
	handler := func(_ context.Context, _ string) (any, error) { return "ok", nil }
	for _, name := range []string{"get_sleep", "send_message"} {
		if err := r.Register(&tools.Tool{Name: name, Handler: handler}); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func hasErrorContaining(errs []string, fragment string) bool {
	for _, e := range errs {
		if strings.Contains(e, fragment) {
			return true
		}
	}
	return false
}

func TestValidateActionsEmpty(t *testing.T) {
	ok, errs := ValidateActions(context.Background(), nil, testRegistry(t), automation.TriggerManual, nil)
	if ok || len(errs) != 1 {
		t.Fatalf("expected single error for empty actions, got %v", errs)
	}
}

func TestValidateActionsValid(t *testing.T) {
	actions := []automation.Action{
		{Tool: "get_sleep", OutputAs: "sleep"},
		{
			Tool:       "send_message",
			Parameters: map[string]any{"message": "Score: {{sleep.score}}"},
			Condition: &condition.Condition{
				Clause: condition.Clause{Path: "sleep.score", Op: "<", Value: 70},
			},
		},
	}
	ok, errs := ValidateActions(context.Background(), actions, testRegistry(t), automation.TriggerManual, nil)
	if !ok {
		t.Fatalf("expected valid, got %v", errs)
	}
}

func TestValidateActionsRejectsHandlebarsBlocks(t *testing.T) {
	actions := []automation.Action{{
		Tool:       "send_message",
		Parameters: map[string]any{"message": "{{#if score}}high{{/if}}"},
	}}
	ok, errs := ValidateActions(context.Background(), actions, testRegistry(t), automation.TriggerManual, nil)
	if ok || !hasErrorContaining(errs, "Handlebars block syntax") {
		t.Fatalf("expected handlebars error, got %v", errs)
	}
}

func TestValidateActionsRejectsEventDataPrefix(t *testing.T) {
	actions := []automation.Action{{
		Tool:       "send_message",
		Parameters: map[string]any{"message": "got {{event_data.score}}"},
	}}
	ok, errs := ValidateActions(context.Background(), actions, testRegistry(t), automation.TriggerManual, nil)
	if ok {
		t.Fatal("expected failure")
	}
	if !hasErrorContaining(errs, "{{trigger_data.score}}") {
		t.Errorf("expected a suggested fix, got %v", errs)
	}
}

func TestValidateActionsWebhookArraySyntax(t *testing.T) {
	actions := []automation.Action{{
		Tool:       "send_message",
		Parameters: map[string]any{"message": "{{trigger_data.0.commit}}"},
	}}

	ok, errs := ValidateActions(context.Background(), actions, testRegistry(t), automation.TriggerWebhook, nil)
	if ok || !hasErrorContaining(errs, "array syntax") {
		t.Fatalf("expected webhook array syntax error, got %v", errs)
	}

	// The same actions are fine for a polling automation.
	ok, errs = ValidateActions(context.Background(), actions, testRegistry(t), automation.TriggerPolling, nil)
	if !ok {
		t.Fatalf("polling should allow array syntax, got %v", errs)
	}
}

func TestValidateActionsWebhookFilters(t *testing.T) {
	triggerConfig := map[string]any{
		"filters": map[string]any{"expr": "{{0.branch}}"},
	}
	actions := []automation.Action{{Tool: "send_message"}}
	ok, errs := ValidateActions(context.Background(), actions, testRegistry(t), automation.TriggerWebhook, triggerConfig)
	if ok || !hasErrorContaining(errs, "trigger_config.filters") {
		t.Fatalf("expected filter error, got %v", errs)
	}
}

func TestValidateActionsUnknownTool(t *testing.T) {
	actions := []automation.Action{{Tool: "nope"}}
	ok, errs := ValidateActions(context.Background(), actions, testRegistry(t), automation.TriggerManual, nil)
	if ok || !hasErrorContaining(errs, "unknown tool 'nope'") {
		t.Fatalf("expected unknown tool error, got %v", errs)
	}
}

func TestValidateActionsConditionStructure(t *testing.T) {
	tests := []struct {
		name     string
		cond     *condition.Condition
		fragment string
	}{
		{
			"missing op",
			&condition.Condition{Clause: condition.Clause{Path: "x"}},
			"missing 'op'",
		},
		{
			"missing value",
			&condition.Condition{Clause: condition.Clause{Path: "x", Op: ">"}},
			"missing 'value'",
		},
		{
			"neither path nor clauses",
			&condition.Condition{},
			"either 'path' or 'clauses'",
		},
		{
			"bad operator",
			&condition.Condition{
				Operator: "XOR",
				Clauses:  []condition.Clause{{Path: "x", Op: "exists"}},
			},
			"must be 'AND' or 'OR'",
		},
		{
			"clause missing path",
			&condition.Condition{
				Operator: "AND",
				Clauses:  []condition.Clause{{Op: "exists"}},
			},
			"missing 'path'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := []automation.Action{{Tool: "send_message", Condition: tt.cond}}
			ok, errs := ValidateActions(context.Background(), actions, testRegistry(t), automation.TriggerManual, nil)
			if ok || !hasErrorContaining(errs, tt.fragment) {
				t.Fatalf("expected %q, got %v", tt.fragment, errs)
			}
		})
	}

	// Existence checks need no value.
	actions := []automation.Action{{
		Tool: "send_message",
		Condition: &condition.Condition{
			Clause: condition.Clause{Path: "x", Op: "not_exists"},
		},
	}}
	ok, errs := ValidateActions(context.Background(), actions, testRegistry(t), automation.TriggerManual, nil)
	if !ok {
		t.Fatalf("existence op should not require a value, got %v", errs)
	}
}

func TestValidateVariables(t *testing.T) {
	ok, _ := ValidateVariables(map[string]any{"greeting": "hi"})
	if !ok {
		t.Error("ordinary variables must pass")
	}

	ok, errs := ValidateVariables(map[string]any{"user": "x", "trigger_data": "y"})
	if ok || len(errs) != 2 {
		t.Errorf("reserved names must be rejected, got %v", errs)
	}
}

func TestValidateFetchedSchemas(t *testing.T) {
	actions := []automation.Action{{
		Tool:       "get_sleep",
		Parameters: map[string]any{"date": "{{today}}", "bogus": 1},
	}}

	// Nothing fetched.
	ok, errs := ValidateFetchedSchemas(actions, nil)
	if ok || !hasErrorContaining(errs, "must be fetched before use") {
		t.Fatalf("expected unfetched error, got %v", errs)
	}

	fetched := map[string]FetchedSchema{
		"get_sleep": {Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"date": map[string]any{"type": "string"},
			},
		}},
	}
	ok, errs = ValidateFetchedSchemas(actions, fetched)
	if ok || !hasErrorContaining(errs, "unknown parameters: [bogus]") {
		t.Fatalf("expected unknown parameter error, got %v", errs)
	}

	delete(actions[0].Parameters, "bogus")
	ok, errs = ValidateFetchedSchemas(actions, fetched)
	if !ok {
		t.Fatalf("expected valid, got %v", errs)
	}
}

func TestSanitizeActions(t *testing.T) {
	actions := []automation.Action{{
		Tool: "send_message",
		Parameters: map[string]any{
			"message": `It\'s here`,
		},
	}}

	sanitized := SanitizeActions(actions)
	if got := sanitized[0].Parameters["message"]; got != "It's here" {
		t.Errorf("got %q, want %q", got, "It's here")
	}

	// Double-escaped newlines become real newlines; real ones are untouched.
	actions = []automation.Action{{
		Tool: "send_message",
		Parameters: map[string]any{
			"message": `Line1\nLine2`,
			"body":    "already\nreal",
		},
	}}
	sanitized = SanitizeActions(actions)
	if got := sanitized[0].Parameters["message"]; got != "Line1\nLine2" {
		t.Errorf("got %q, want %q", got, "Line1\nLine2")
	}
	if got := sanitized[0].Parameters["body"]; got != "already\nreal" {
		t.Errorf("got %q, want %q", got, "already\nreal")
	}

	// Clean input passes through unchanged.
	clean := []automation.Action{{Tool: "t", Parameters: map[string]any{"m": "fine"}}}
	if got := SanitizeActions(clean)[0].Parameters["m"]; got != "fine" {
		t.Errorf("clean input changed: %q", got)
	}
}
