// ABOUTME: Template resolution for skill step arguments
// ABOUTME: "{{a.b.0}}" strings are replaced by the value at that path in the run scope

package skills

import (
	"strconv"
	"strings"
)

// EvaluateArg resolves templates in v against scope. A string of the form
// "{{path}}" is replaced by the value at the dot-separated path; maps are
// walked by key and slices by index. Missing segments yield nil. Maps and
// slices are resolved recursively; all other values pass through.
func EvaluateArg(v any, scope map[string]any) any {
	switch x := v.(type) {
	case string:
		if !strings.HasPrefix(x, "{{") || !strings.HasSuffix(x, "}}") || len(x) < 4 {
			return x
		}
		return lookup(scope, strings.TrimSpace(x[2:len(x)-2]))
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = EvaluateArg(item, scope)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = EvaluateArg(item, scope)
		}
		return out
	default:
		return v
	}
}

func lookup(scope map[string]any, path string) any {
	var current any = scope
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			current = node[part]
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			current = node[i]
		default:
			return nil
		}
	}
	return current
}
