package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() map[string]any {
	return map[string]any{
		"trigger": map[string]any{
			"payload": map[string]any{
				"email":  "a@b.com",
				"amount": float64(42),
				"nested": map[string]any{"city": "Nairobi"},
			},
		},
		"steps": map[string]any{
			"create": map[string]any{"contact_id": "c-123"},
			"fetch":  map[string]any{"records": []any{"one", "two"}},
		},
		"variables": map[string]any{
			"api_key": "secret-key",
		},
	}
}

func TestResolve_wholeMarkerPreservesType(t *testing.T) {
	ctx := testContext()

	got := Resolve("{{trigger.payload.amount}}", ctx)
	assert.Equal(t, float64(42), got)

	got = Resolve("{{trigger.payload.nested}}", ctx)
	require.IsType(t, map[string]any{}, got)
	assert.Equal(t, "Nairobi", got.(map[string]any)["city"])
}

func TestResolve_interpolation(t *testing.T) {
	ctx := testContext()

	got := Resolve("contact {{steps.create.contact_id}} for {{trigger.payload.email}}", ctx)
	assert.Equal(t, "contact c-123 for a@b.com", got)
}

func TestResolve_interpolatedNonScalarSerializesToJSON(t *testing.T) {
	got := Resolve("city: {{trigger.payload.nested}}", testContext())
	assert.Equal(t, `city: {"city":"Nairobi"}`, got)
}

func TestResolve_missingPathLeavesMarker(t *testing.T) {
	ctx := testContext()

	assert.Equal(t, "{{steps.missing.value}}", Resolve("{{steps.missing.value}}", ctx))
	assert.Equal(t, "x {{no.such.path}} y", Resolve("x {{no.such.path}} y", ctx))
}

func TestResolve_nestedStructures(t *testing.T) {
	ctx := testContext()
	tmpl := map[string]any{
		"to":      "{{trigger.payload.email}}",
		"static":  float64(7),
		"entries": []any{"{{variables.api_key}}", "literal"},
		"nested":  map[string]any{"id": "{{steps.create.contact_id}}"},
	}

	got := Resolve(tmpl, ctx).(map[string]any)
	assert.Equal(t, "a@b.com", got["to"])
	assert.Equal(t, float64(7), got["static"])
	assert.Equal(t, []any{"secret-key", "literal"}, got["entries"])
	assert.Equal(t, "c-123", got["nested"].(map[string]any)["id"])
}

func TestResolve_doesNotMutateInput(t *testing.T) {
	ctx := testContext()
	tmpl := map[string]any{"to": "{{trigger.payload.email}}"}

	_ = Resolve(tmpl, ctx)
	assert.Equal(t, "{{trigger.payload.email}}", tmpl["to"])
}

// Resolving the same template twice against the same context must yield
// identical output: the resolver is pure.
func TestResolve_idempotent(t *testing.T) {
	ctx := testContext()
	tmpl := map[string]any{
		"a": "{{trigger.payload.email}}",
		"b": "amount is {{trigger.payload.amount}}",
		"c": []any{"{{steps.fetch.records}}", "{{missing.path}}"},
	}

	first := Resolve(tmpl, ctx)
	second := Resolve(tmpl, ctx)
	assert.Equal(t, first, second)
}

func TestLookup_sliceIndex(t *testing.T) {
	val, ok := Lookup(testContext(), "steps.fetch.records.1")
	require.True(t, ok)
	assert.Equal(t, "two", val)

	_, ok = Lookup(testContext(), "steps.fetch.records.9")
	assert.False(t, ok)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "42", Stringify(float64(42)))
	assert.Equal(t, "4.5", Stringify(4.5))
	assert.Equal(t, `["a","b"]`, Stringify([]any{"a", "b"}))
}
