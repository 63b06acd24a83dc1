package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseArgs turns key=value pairs into tool arguments. Values that parse as
// JSON keep their type, anything else is a string. Repeating a key collects
// the values into a list.
func parseArgs(raw string, pairs []string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("--json must be a JSON object: %w", err)
		}
	}
	seen := map[string]bool{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		if prev, ok := args[key]; ok && seen[key] {
			if list, isList := prev.([]any); isList {
				args[key] = append(list, v)
			} else {
				args[key] = []any{prev, v}
			}
			continue
		}
		args[key] = v
		seen[key] = true
	}
	return args, nil
}
