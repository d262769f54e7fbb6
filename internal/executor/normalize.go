package executor

import "sort"

// Wrapper envelopes whose contents are copied to the root so that both
// {{var.data.score}} and {{var.score}} resolve.
var wrapperKeys = map[string]bool{
	"data":     true,
	"summary":  true,
	"result":   true,
	"response": true,
	"output":   true,
}

// Nested objects whose primitive fields are copied to the root while the
// original is kept in place.
var flattenAndKeepKeys = map[string]bool{
	"contributors": true,
	"user":         true,
	"author":       true,
	"goals":        true,
}

// Normalize smooths tool output shapes so template paths written against a
// normalized view stay stable regardless of the source tool's envelope.
// Non-mapping input is wrapped as {"value": v}, or {} when nil.
//
// Keys are processed in sorted order so the "first write wins" shadowing
// rule is deterministic.
func Normalize(item any) map[string]any {
	doc, ok := item.(map[string]any)
	if !ok || doc == nil {
		if item == nil {
			return map[string]any{}
		}
		return map[string]any{"value": item}
	}

	normalized := make(map[string]any, len(doc))

	for _, key := range sortedKeys(doc) {
		value := doc[key]

		if wrapperKeys[key] {
			if inner, ok := value.(map[string]any); ok && inner != nil {
				// Keep the wrapper and spread its contents to the root.
				normalized[key] = inner
				for _, innerKey := range sortedKeys(inner) {
					innerValue := inner[innerKey]
					if nested, ok := innerValue.(map[string]any); ok && flattenAndKeepKeys[innerKey] {
						flattenNested(normalized, innerKey, nested)
					} else if _, exists := normalized[innerKey]; !exists {
						normalized[innerKey] = innerValue
					}
				}
				continue
			}
			if seq, ok := value.([]any); ok && len(seq) > 0 {
				// Wrapper holds an array: keep it and copy the first
				// element's primitive fields to the root for convenience.
				normalized[key] = seq
				if first, ok := seq[0].(map[string]any); ok {
					for _, innerKey := range sortedKeys(first) {
						if _, exists := normalized[innerKey]; exists {
							continue
						}
						if isPrimitive(first[innerKey]) {
							normalized[innerKey] = first[innerKey]
						}
					}
				}
				continue
			}
		}

		if nested, ok := value.(map[string]any); ok && nested != nil && flattenAndKeepKeys[key] {
			flattenNested(normalized, key, nested)
			continue
		}

		normalized[key] = value
	}

	return normalized
}

// flattenNested keeps the nested object under its own key and copies its
// primitive fields to the root. For "user", a nested profile mapping gets
// its primitives promoted too.
func flattenNested(normalized map[string]any, key string, value map[string]any) {
	normalized[key] = value
	for _, nestedKey := range sortedKeys(value) {
		nestedValue := value[nestedKey]
		if _, exists := normalized[nestedKey]; !exists && isPrimitive(nestedValue) {
			normalized[nestedKey] = nestedValue
		}
		if key == "user" && nestedKey == "profile" {
			if profile, ok := nestedValue.(map[string]any); ok {
				for _, profileKey := range sortedKeys(profile) {
					if _, exists := normalized[profileKey]; !exists {
						normalized[profileKey] = profile[profileKey]
					}
				}
			}
		}
	}
}

// isPrimitive reports whether a value is neither a mapping nor a sequence.
// Copying never descends into nested structures.
func isPrimitive(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	}
	return true
}

func sortedKeys(doc map[string]any) []string {
	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
