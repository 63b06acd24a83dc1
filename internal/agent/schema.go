package agent

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/chukul/cloudchat/internal/apperr"
)

type objectSchema struct {
	Properties           map[string]json.RawMessage `json:"properties"`
	Required             []string                   `json:"required"`
	AdditionalProperties json.RawMessage            `json:"additionalProperties"`
}

// fitArguments checks args against a tool's JSON input schema. Arguments the
// schema does not declare are dropped unless it allows additional properties.
// Missing required arguments are a validation error.
func fitArguments(op string, schema any, args map[string]any) (map[string]any, []string, error) {
	if args == nil {
		args = map[string]any{}
	}
	if schema == nil {
		return args, nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return args, nil, nil
	}
	var s objectSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return args, nil, nil
	}

	out := make(map[string]any, len(args))
	var dropped []string
	open := s.Properties == nil || isTrue(s.AdditionalProperties)
	for _, k := range slices.Sorted(maps.Keys(args)) {
		if _, ok := s.Properties[k]; ok || open {
			out[k] = args[k]
			continue
		}
		dropped = append(dropped, k)
	}

	var missing []string
	for _, k := range s.Required {
		if _, ok := out[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return out, dropped, apperr.Validation(op, "missing required argument(s): %s", strings.Join(missing, ", "))
	}
	return out, dropped, nil
}

func isTrue(raw json.RawMessage) bool {
	var b bool
	return json.Unmarshal(raw, &b) == nil && b
}
