// Package validate performs the static checks a declarative automation must
// pass before deployment, plus the live polling preflight. Both return
// (ok, errors) with human-readable messages rather than Go errors, so an
// assisted builder can surface every problem at once.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"runbook/internal/automation"
	"runbook/internal/condition"
	"runbook/internal/tools"
)

var (
	handlebarsBlockRe = regexp.MustCompile(`\{\{[#/][^}]+\}\}`)
	eventDataRe       = regexp.MustCompile(`\{\{event_data\.[^}]+\}\}`)
	arraySyntaxRe     = regexp.MustCompile(`\{\{(?:trigger_data\.)?(-?\d+)\.[^}]+\}\}`)
	templateFieldRe   = regexp.MustCompile(`\{\{([^}]+)\}\}`)
)

// ValidateActions runs the structural checks on an action list:
//
//  1. actions is a non-empty sequence
//  2. no Handlebars block syntax ({{#if}}, {{/each}}, ...)
//  3. no {{event_data.*}} usage (the correct prefix is trigger_data)
//  4. webhook automations use no array-indexed trigger data access
//  5. every action names a tool that exists in the registry
//  6. every condition has valid structure
func ValidateActions(ctx context.Context, actions []automation.Action, registry tools.Registry, triggerType automation.TriggerType, triggerConfig map[string]any) (bool, []string) {
	var errs []string

	if len(actions) == 0 {
		return false, []string{"actions must be a non-empty array"}
	}

	doc := actionsDocument(actions)
	walkStrings(doc, "actions", func(value, path string) {
		if matches := handlebarsBlockRe.FindAllString(value, -1); len(matches) > 0 {
			errs = append(errs, fmt.Sprintf(
				"Handlebars block syntax not supported at '%s': %v. Use action conditions for conditional logic.",
				path, matches))
		}
		if matches := eventDataRe.FindAllString(value, -1); len(matches) > 0 {
			suggestions := make([]string, len(matches))
			for i, m := range matches {
				suggestions[i] = strings.Replace(m, "{{event_data.", "{{trigger_data.", 1)
			}
			errs = append(errs, fmt.Sprintf(
				"Invalid template at '%s': '{{event_data.' is not supported, use '{{trigger_data.' instead. Found: %v. Suggested fix: %v",
				path, matches, suggestions))
		}
	})

	if triggerType == automation.TriggerWebhook {
		errs = append(errs, checkWebhookArraySyntax(doc, "actions")...)
		if filters, ok := triggerConfig["filters"]; ok && filters != nil {
			errs = append(errs, checkWebhookArraySyntax(filters, "trigger_config.filters")...)
		}
	}

	for i, action := range actions {
		actionID := action.ActionID(i)

		if action.Tool == "" {
			errs = append(errs, fmt.Sprintf("%s: missing 'tool' field", actionID))
			continue
		}

		tool, err := registry.GetToolByName(ctx, action.Tool)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: tool lookup failed: %v", actionID, err))
			continue
		}
		if tool == nil {
			errs = append(errs, fmt.Sprintf("%s: unknown tool '%s'", actionID, action.Tool))
			continue
		}

		if action.Condition != nil {
			errs = append(errs, validateConditionStructure(action.Condition, actionID)...)
		}
	}

	return len(errs) == 0, errs
}

// ValidateVariables rejects user variables that would shadow the reserved
// context names.
func ValidateVariables(variables map[string]any) (bool, []string) {
	var errs []string
	for _, reserved := range []string{"user", "trigger_data"} {
		if _, ok := variables[reserved]; ok {
			errs = append(errs, fmt.Sprintf("variables must not use the reserved name '%s'", reserved))
		}
	}
	return len(errs) == 0, errs
}

// FetchedSchema records one tool schema fetched during assisted authoring.
type FetchedSchema struct {
	Parameters map[string]any
	Returns    string
}

// ValidateFetchedSchemas enforces discovery-before-use: every tool an action
// uses must have had its schema fetched during authoring, and every action
// parameter name must appear in the fetched schema's parameter set.
func ValidateFetchedSchemas(actions []automation.Action, fetched map[string]FetchedSchema) (bool, []string) {
	var errs []string
	var unfetched []string

	for _, action := range actions {
		if action.Tool == "" {
			continue
		}

		schema, ok := fetched[action.Tool]
		if !ok {
			unfetched = append(unfetched, action.Tool)
			continue
		}

		// Tools without a declared schema accept anything.
		if len(schema.Parameters) == 0 {
			continue
		}

		known := schemaParameterNames(schema.Parameters)
		var unknown []string
		for name := range action.Parameters {
			if !known[name] {
				unknown = append(unknown, name)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			valid := make([]string, 0, len(known))
			for name := range known {
				valid = append(valid, name)
			}
			sort.Strings(valid)
			errs = append(errs, fmt.Sprintf(
				"Tool '%s' has unknown parameters: %v. Valid parameters: %v",
				action.Tool, unknown, valid))
		}
	}

	if len(unfetched) > 0 {
		errs = append([]string{fmt.Sprintf(
			"Tool schemas must be fetched before use: %v", unfetched)}, errs...)
	}

	return len(errs) == 0, errs
}

// SanitizeActions fixes double-escaped characters that assisted builders
// sometimes introduce when serializing parameter strings with apostrophes.
func SanitizeActions(actions []automation.Action) []automation.Action {
	if len(actions) == 0 {
		return actions
	}

	encoded, err := json.Marshal(actions)
	if err != nil {
		return actions
	}
	cleaned := strings.NewReplacer(
		`\\'`, `'`,
		`\\\"`, `\"`,
		`\\n`, `\n`,
	).Replace(string(encoded))

	var sanitized []automation.Action
	if err := json.Unmarshal([]byte(cleaned), &sanitized); err != nil {
		return actions
	}
	return sanitized
}

// validateConditionStructure checks one condition. Value is required unless
// the op is an existence test.
func validateConditionStructure(cond *condition.Condition, actionID string) []string {
	var errs []string

	if cond.Path != "" {
		if cond.Op == "" {
			errs = append(errs, fmt.Sprintf("%s: condition clause missing 'op'", actionID))
		}
		if cond.Value == nil && !isExistenceOp(cond.Op) {
			errs = append(errs, fmt.Sprintf("%s: condition clause missing 'value'", actionID))
		}
		return errs
	}

	if len(cond.Clauses) > 0 {
		if cond.Operator == "" {
			errs = append(errs, fmt.Sprintf("%s: multi-clause condition missing 'operator'", actionID))
		} else if cond.Operator != "AND" && cond.Operator != "OR" {
			errs = append(errs, fmt.Sprintf("%s: condition operator must be 'AND' or 'OR'", actionID))
		}
		for j, clause := range cond.Clauses {
			if clause.Path == "" {
				errs = append(errs, fmt.Sprintf("%s: clause %d missing 'path'", actionID, j))
			}
			if clause.Op == "" {
				errs = append(errs, fmt.Sprintf("%s: clause %d missing 'op'", actionID, j))
			}
			if clause.Value == nil && !isExistenceOp(clause.Op) {
				errs = append(errs, fmt.Sprintf("%s: clause %d missing 'value'", actionID, j))
			}
		}
		return errs
	}

	errs = append(errs, fmt.Sprintf("%s: condition must have either 'path' or 'clauses'", actionID))
	return errs
}

func isExistenceOp(op string) bool {
	return op == "exists" || op == "not_exists"
}

// checkWebhookArraySyntax flags array-indexed trigger data access. Webhook
// payloads are always scalar mappings, never arrays.
func checkWebhookArraySyntax(doc any, root string) []string {
	var errs []string
	walkStrings(doc, root, func(value, path string) {
		if m := arraySyntaxRe.FindStringSubmatch(value); m != nil {
			errs = append(errs, fmt.Sprintf(
				"Webhook automation at '%s' uses array syntax {{trigger_data.%s.field}}. Webhooks provide trigger_data as an object; use {{field}} instead.",
				path, m[1]))
		}
	})
	return errs
}

// actionsDocument renders actions as plain decoded JSON for leaf walking.
func actionsDocument(actions []automation.Action) any {
	encoded, err := json.Marshal(actions)
	if err != nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil
	}
	return doc
}

// walkStrings visits every string leaf in a document, reporting its path in
// actions[0].parameters.message form.
func walkStrings(value any, path string, visit func(value, path string)) {
	switch v := value.(type) {
	case string:
		visit(v, path)
	case map[string]any:
		for _, key := range sortedKeys(v) {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			walkStrings(v[key], childPath, visit)
		}
	case []any:
		for i, item := range v {
			walkStrings(item, fmt.Sprintf("%s[%d]", path, i), visit)
		}
	}
}

func sortedKeys(doc map[string]any) []string {
	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// schemaParameterNames extracts the declared parameter names from a fetched
// schema document, honoring a JSON-schema style "properties" block when
// present.
func schemaParameterNames(parameters map[string]any) map[string]bool {
	names := make(map[string]bool, len(parameters))
	if props, ok := parameters["properties"].(map[string]any); ok {
		for name := range props {
			names[name] = true
		}
		return names
	}
	for name := range parameters {
		names[name] = true
	}
	return names
}
