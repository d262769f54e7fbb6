package validate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"runbook/internal/automation"
	"runbook/internal/executor"
	"runbook/internal/template"
	"runbook/internal/tools"
)

// PreflightTimeout bounds the single source-tool call a preflight makes.
const PreflightTimeout = 30 * time.Second

// PreflightResult reports the outcome of a polling dry run. Sample holds the
// first item the source tool returned, so a builder can show the user real
// data shapes. Warnings never fail the preflight; Errors do.
type PreflightResult struct {
	OK       bool
	Errors   []string
	Warnings []string
	Sample   map[string]any
}

// PreflightPolling dry-runs a polling automation's source tool and verifies
// that every trigger_data path the actions and filter reference actually
// exists in the returned items.
//
// Invocation problems (tool call fails, output is not structured data) are
// soft warnings: the source may simply have no data yet, and that must not
// block deployment. Only a missing or unregistered source tool, or paths that
// provably do not exist in real data, fail the check.
func PreflightPolling(ctx context.Context, spec *automation.Spec, registry tools.Registry, logger *zap.Logger) PreflightResult {
	if logger == nil {
		logger = zap.NewNop()
	}

	sourceTool, _ := spec.TriggerConfig["source_tool"].(string)
	if sourceTool == "" {
		return PreflightResult{Errors: []string{"polling automation missing trigger_config.source_tool"}}
	}

	tool, err := registry.GetToolByName(ctx, sourceTool)
	if err != nil {
		return PreflightResult{Errors: []string{fmt.Sprintf("source tool lookup failed: %v", err)}}
	}
	if tool == nil {
		return PreflightResult{Errors: []string{fmt.Sprintf("source tool '%s' is not registered", sourceTool)}}
	}

	paths := ExtractTriggerDataPaths(spec.Actions, spec.TriggerConfig)
	if len(paths) == 0 {
		// Nothing to verify; skip the live call entirely.
		return PreflightResult{OK: true}
	}

	resolved := resolveDateParams(toolParams(spec.TriggerConfig))

	callCtx, cancel := context.WithTimeout(ctx, PreflightTimeout)
	defer cancel()

	raw, err := registry.ExecuteTool(callCtx, sourceTool, resolved, spec.UserID)
	if err != nil {
		logger.Warn("preflight source call failed",
			zap.String("tool", sourceTool), zap.Error(err))
		return PreflightResult{OK: true, Warnings: []string{fmt.Sprintf(
			"Could not verify trigger data paths: source tool call failed: %v", err)}}
	}

	output := raw
	if s, ok := raw.(string); ok {
		output = executor.ExtractJSON(s)
		if _, still := output.(string); still {
			return PreflightResult{OK: true, Warnings: []string{fmt.Sprintf(
				"Could not verify trigger data paths: source tool '%s' returned unstructured text", sourceTool)}}
		}
	}

	item := firstItem(output)
	if item == nil {
		return PreflightResult{OK: true, Warnings: []string{fmt.Sprintf(
			"Could not verify trigger data paths: source tool '%s' returned no items", sourceTool)}}
	}

	normalized := executor.Normalize(item)

	var errs []string
	for _, path := range paths {
		if _, ok := template.Lookup(normalized, path); !ok {
			errs = append(errs, fmt.Sprintf(
				"Path 'trigger_data.%s' not found in source tool output. Available fields: %s",
				path, strings.Join(availableKeys(normalized), ", ")))
		}
	}

	return PreflightResult{OK: len(errs) == 0, Errors: errs, Sample: normalized}
}

// ExtractTriggerDataPaths collects every trigger_data path referenced by
// action parameters, action conditions, and the trigger filter. Paths are
// returned relative to the item (prefix stripped), sorted and de-duplicated.
func ExtractTriggerDataPaths(actions []automation.Action, triggerConfig map[string]any) []string {
	seen := make(map[string]bool)

	doc := actionsDocument(actions)
	walkStrings(doc, "", func(value, _ string) {
		for _, m := range templateFieldRe.FindAllStringSubmatch(value, -1) {
			field := strings.TrimSpace(m[1])
			if rest, ok := strings.CutPrefix(field, "trigger_data."); ok && rest != "" {
				seen[rest] = true
			}
		}
	})

	for _, action := range actions {
		if action.Condition != nil {
			collectConditionPaths(action.Condition.Path, seen)
			for _, clause := range action.Condition.Clauses {
				collectConditionPaths(clause.Path, seen)
			}
		}
	}

	for _, key := range []string{"filter", "filters"} {
		if raw, ok := triggerConfig[key]; ok {
			collectFilterPaths(raw, seen)
		}
	}

	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func collectConditionPaths(path string, seen map[string]bool) {
	if rest, ok := strings.CutPrefix(path, "trigger_data."); ok && rest != "" {
		seen[rest] = true
	}
}

// collectFilterPaths walks a raw filter document, picking up "path" fields at
// any nesting level. Filter paths are item-relative, so no prefix stripping.
func collectFilterPaths(raw any, seen map[string]bool) {
	switch v := raw.(type) {
	case map[string]any:
		if path, ok := v["path"].(string); ok && path != "" {
			seen[strings.TrimPrefix(path, "trigger_data.")] = true
		}
		for _, value := range v {
			collectFilterPaths(value, seen)
		}
	case []any:
		for _, item := range v {
			collectFilterPaths(item, seen)
		}
	}
}

// resolveDateParams applies the UTC date builtins to every string parameter.
// No user context exists at preflight time, so day names use the UTC
// calendar date.
func resolveDateParams(params map[string]any) map[string]any {
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		if s, ok := value.(string); ok {
			resolved[key] = template.ResolveDatesUTC(s)
			continue
		}
		resolved[key] = value
	}
	return resolved
}

// toolParams pulls the optional source tool parameters from trigger config.
func toolParams(triggerConfig map[string]any) map[string]any {
	if params, ok := triggerConfig["tool_params"].(map[string]any); ok {
		return params
	}
	return map[string]any{}
}

// firstItem selects the item to verify paths against: the first element of a
// list output, or the output itself when it is a single mapping.
func firstItem(output any) any {
	switch v := output.(type) {
	case []any:
		if len(v) == 0 {
			return nil
		}
		return v[0]
	case map[string]any:
		// Unwrap a single-envelope list, e.g. {"data": [...]}.
		for _, key := range []string{"data", "items", "results"} {
			if seq, ok := v[key].([]any); ok {
				if len(seq) == 0 {
					return nil
				}
				return seq[0]
			}
		}
		return v
	default:
		return nil
	}
}

// availableKeys lists up to five top-level keys of the sample item, used in
// path error hints.
func availableKeys(item map[string]any) []string {
	keys := sortedKeys(item)
	if len(keys) > 5 {
		keys = keys[:5]
	}
	return keys
}
