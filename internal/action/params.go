package action

import (
	"fmt"

	"github.com/pitabwire/kazi/internal/template"
)

// stringParam reads a required string parameter, rendering non-string
// scalars through their canonical text form.
func stringParam(params map[string]any, key string) (string, error) {
	val, ok := params[key]
	if !ok || val == nil {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	if s, ok := val.(string); ok {
		if s == "" {
			return "", fmt.Errorf("missing required parameter %q", key)
		}
		return s, nil
	}
	return template.Stringify(val), nil
}

// optionalString reads a string parameter, returning fallback when the
// key is absent or empty.
func optionalString(params map[string]any, key, fallback string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// mapParam reads an object-valued parameter. Absent keys yield an empty
// map; a present non-object value is an error.
func mapParam(params map[string]any, key string) (map[string]any, error) {
	val, ok := params[key]
	if !ok || val == nil {
		return map[string]any{}, nil
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parameter %q must be an object", key)
	}
	return m, nil
}
