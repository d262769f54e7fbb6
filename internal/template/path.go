// Package template implements placeholder resolution for automation
// parameters: dotted/bracketed path traversal over decoded JSON documents,
// {{...}} substitution with built-in date variables, and recursive
// resolution of structured parameter maps.
package template

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	bracketIndexRe = regexp.MustCompile(`\[(-?\d+)\]`)
	integerRe      = regexp.MustCompile(`^-?\d+$`)
)

// Lookup traverses a document by a dotted path and reports whether the path
// resolved. Bracket notation (items[0].id) is rewritten to dot form before
// traversal. Numeric segments index sequences (negative indexes count from
// the end) and fall back to string keys for array-like mappings. A numeric
// segment of 0 against a plain mapping is skipped entirely, so paths written
// for batch-shaped results still resolve against a single object.
//
// Lookup never panics; a path that descends into a primitive or misses a key
// returns (nil, false). A present null value returns (nil, true).
func Lookup(data any, path string) (any, bool) {
	if data == nil {
		return nil, false
	}

	path = bracketIndexRe.ReplaceAllString(path, ".$1")
	parts := strings.Split(path, ".")

	current := data
	for i := 0; i < len(parts); i++ {
		part := parts[i]
		if current == nil {
			return nil, false
		}

		if integerRe.MatchString(part) {
			idx, _ := strconv.Atoi(part)
			switch node := current.(type) {
			case []any:
				if idx < 0 {
					idx += len(node)
				}
				if idx < 0 || idx >= len(node) {
					return nil, false
				}
				current = node[idx]
			case map[string]any:
				if v, ok := node[part]; ok {
					// Array spread into an object with stringified keys.
					current = v
				} else if idx == 0 {
					// Per-item fallback: the path expects an array but the
					// data is a single object. Skip the index segment and
					// retry the next segment against the same object.
					continue
				} else {
					return nil, false
				}
			default:
				return nil, false
			}
			continue
		}

		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := node[part]
		if !ok {
			return nil, false
		}
		current = v
	}

	return current, true
}
