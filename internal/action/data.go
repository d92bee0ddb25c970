package action

import (
	"context"

	"github.com/pitabwire/kazi/internal/template"
	"github.com/pitabwire/kazi/model"
)

// TransformAction builds a new object from declarative field mappings
// resolved against the execution context. Registered as
// "data.transform".
type TransformAction struct{}

// NewTransformAction creates the handler.
func NewTransformAction() *TransformAction { return &TransformAction{} }

// Name returns "data.transform".
func (a *TransformAction) Name() string { return "data.transform" }

// Spec describes the handler for the action catalog.
func (a *TransformAction) Spec() model.ActionSpec {
	return model.ActionSpec{
		Name:        a.Name(),
		Category:    "data",
		Description: "Build a new object from field mappings",
		InputFields: map[string]string{
			"fields": "object",
		},
	}
}

// Execute resolves each field mapping against the execution context and
// returns the assembled object.
func (a *TransformAction) Execute(_ context.Context, in model.ActionInput) model.ActionResult {
	fields, err := mapParam(in.Params, "fields")
	if err != nil {
		return model.Failed(err.Error())
	}
	return model.Completed(template.ResolveMap(fields, in.ExecutionContext))
}

// MergeAction shallow-merges a list of objects left to right, later
// keys winning. Registered as "data.merge".
type MergeAction struct{}

// NewMergeAction creates the handler.
func NewMergeAction() *MergeAction { return &MergeAction{} }

// Name returns "data.merge".
func (a *MergeAction) Name() string { return "data.merge" }

// Spec describes the handler for the action catalog.
func (a *MergeAction) Spec() model.ActionSpec {
	return model.ActionSpec{
		Name:        a.Name(),
		Category:    "data",
		Description: "Shallow-merge a list of objects, later keys winning",
		InputFields: map[string]string{
			"sources": "array",
		},
	}
}

// Execute merges the sources. Non-object entries fail the action.
func (a *MergeAction) Execute(_ context.Context, in model.ActionInput) model.ActionResult {
	sources, ok := in.Params["sources"].([]any)
	if !ok {
		return model.Failed(`parameter "sources" must be an array of objects`)
	}

	merged := map[string]any{}
	for _, src := range sources {
		obj, ok := src.(map[string]any)
		if !ok {
			return model.Failed("merge sources must all be objects")
		}
		for k, v := range obj {
			merged[k] = v
		}
	}
	return model.Completed(merged)
}
