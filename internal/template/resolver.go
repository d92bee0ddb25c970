// Package template resolves {{dotted.path}} markers in step
// configuration against an execution context, and evaluates the atomic
// comparisons shared by subscription filters and condition steps.
//
// Resolution is pure: identical context and template always yield
// identical output, and nothing in the context is mutated.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var markerPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// Resolve walks a configuration value and substitutes every
// {{dotted.path}} marker from the context. Maps and slices are copied,
// never mutated in place.
//
// A string that consists of exactly one marker resolves to the raw
// context value, preserving its type. A marker embedded in a longer
// string is interpolated: scalars via their canonical text form,
// everything else as compact JSON. Missing paths leave the marker text
// unchanged; an un-substituted marker is a soft validation issue for
// the caller, never an error here.
func Resolve(value any, context map[string]any) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, context)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = Resolve(elem, context)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = Resolve(elem, context)
		}
		return out
	default:
		return v
	}
}

// ResolveMap resolves every value of a template map. A nil template
// yields an empty map.
func ResolveMap(tmpl map[string]any, context map[string]any) map[string]any {
	out := make(map[string]any, len(tmpl))
	for k, v := range tmpl {
		out[k] = Resolve(v, context)
	}
	return out
}

// ResolveString resolves markers within a single string, returning the
// interpolated text. Whole-marker strings still come back as text; use
// Resolve to preserve types.
func ResolveString(s string, context map[string]any) string {
	resolved := resolveString(s, context)
	if str, ok := resolved.(string); ok {
		return str
	}
	return Stringify(resolved)
}

func resolveString(s string, context map[string]any) any {
	trimmed := strings.TrimSpace(s)
	// Whole-marker string: pass the raw value through untouched.
	if m := markerPattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		val, ok := Lookup(context, m[1])
		if !ok {
			return s
		}
		return val
	}

	return markerPattern.ReplaceAllStringFunc(s, func(marker string) string {
		path := markerPattern.FindStringSubmatch(marker)[1]
		val, ok := Lookup(context, path)
		if !ok {
			return marker
		}
		return Stringify(val)
	})
}

// Lookup navigates a dot-separated path through nested maps (and slice
// indices) in the context. The second return reports whether the full
// path resolved.
func Lookup(context map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = context
	for _, part := range parts {
		switch node := current.(type) {
		case map[string]any:
			val, ok := node[part]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a resolved value in its canonical text form:
// scalars as written, everything else as compact JSON.
func Stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
