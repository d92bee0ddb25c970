package template

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/pitabwire/kazi/model"
)

// EvalComparisons evaluates a list of atomic comparisons against the
// context, combined by "and" (default) or "or". An empty list is true.
func EvalComparisons(combine string, comps []model.Comparison, context map[string]any) bool {
	if len(comps) == 0 {
		return true
	}
	disjunct := strings.EqualFold(combine, "or")
	for _, c := range comps {
		actual, _ := Lookup(context, c.Field)
		matched := Compare(c.Operator, actual, c.Value)
		if disjunct && matched {
			return true
		}
		if !disjunct && !matched {
			return false
		}
	}
	return !disjunct
}

// EvalFilter evaluates a structured subscription filter against a
// payload. A flat map is a conjunction of field comparisons; "$or" and
// "$and" keys hold lists of nested filters. Each field maps to either a
// literal (strict equality) or an operator object like {"$gt": 100}.
// A nil filter matches everything.
func EvalFilter(filter map[string]any, payload map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for key, cond := range filter {
		switch key {
		case "$or":
			if !evalFilterList(cond, payload, false) {
				return false
			}
		case "$and":
			if !evalFilterList(cond, payload, true) {
				return false
			}
		default:
			actual, _ := Lookup(payload, key)
			if !matchFieldCondition(actual, cond) {
				return false
			}
		}
	}
	return true
}

func evalFilterList(cond any, payload map[string]any, conjunction bool) bool {
	list, ok := cond.([]any)
	if !ok {
		return false
	}
	for _, elem := range list {
		nested, ok := elem.(map[string]any)
		if !ok {
			return false
		}
		matched := EvalFilter(nested, payload)
		if conjunction && !matched {
			return false
		}
		if !conjunction && matched {
			return true
		}
	}
	return conjunction
}

func matchFieldCondition(actual any, cond any) bool {
	ops, ok := cond.(map[string]any)
	if !ok {
		// Bare literal: strict equality.
		return Compare(model.OpEq, actual, cond)
	}
	for op, operand := range ops {
		if !Compare(op, actual, operand) {
			return false
		}
	}
	return true
}

// Compare applies one operator to an actual and expected value. An
// empty or unrecognized operator means strict equality.
func Compare(op string, actual, expected any) bool {
	switch op {
	case model.OpNe:
		return !looseEqual(actual, expected)
	case model.OpGt:
		a, b, ok := bothNumeric(actual, expected)
		return ok && a > b
	case model.OpGte:
		a, b, ok := bothNumeric(actual, expected)
		return ok && a >= b
	case model.OpLt:
		a, b, ok := bothNumeric(actual, expected)
		return ok && a < b
	case model.OpLte:
		a, b, ok := bothNumeric(actual, expected)
		return ok && a <= b
	case model.OpContains:
		return contains(actual, expected)
	case model.OpIn:
		list, ok := expected.([]any)
		if !ok {
			return false
		}
		for _, elem := range list {
			if looseEqual(actual, elem) {
				return true
			}
		}
		return false
	default:
		// $eq and anything unrecognized.
		return looseEqual(actual, expected)
	}
}

// looseEqual compares values as JSON would: numbers numerically
// regardless of concrete type, everything else by deep equality.
func looseEqual(a, b any) bool {
	if af, bf, ok := bothNumeric(a, b); ok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func contains(actual, expected any) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, Stringify(expected))
	case []any:
		for _, elem := range v {
			if looseEqual(elem, expected) {
				return true
			}
		}
	}
	return false
}

func bothNumeric(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
