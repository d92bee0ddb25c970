package model

import "context"

// Action result status constants.
const (
	ActionCompleted = "completed"
	ActionFailed    = "failed"
)

// ActionResult is the structured outcome every action returns. Actions
// never raise failures past their own boundary; the engine always
// receives one of these.
type ActionResult struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Completed builds a successful result with the given output.
func Completed(output map[string]any) ActionResult {
	return ActionResult{Status: ActionCompleted, Output: output}
}

// Failed builds a failed result with a human-readable error.
func Failed(msg string) ActionResult {
	return ActionResult{Status: ActionFailed, Error: msg}
}

// OK reports whether the action completed successfully.
func (r ActionResult) OK() bool {
	return r.Status == ActionCompleted
}

// ActionInput is everything an action receives: its resolved input
// (input mapping merged over static params) and a read-only view of the
// execution context.
type ActionInput struct {
	ActionType string
	TenantID   string
	Params     map[string]any
	// ExecutionContext is the full execution context at invocation time.
	// Actions must treat it as read-only; outputs flow back through the
	// result only.
	ExecutionContext map[string]any
}

// ActionHandler is the seam at which side effects plug in. Implementors
// must return a structured result even on failure.
type ActionHandler interface {
	// Name returns the two-part identifier, e.g. "crm.create_contact".
	Name() string
	// Execute performs the side effect. Context cancellation should be
	// honored for anything that blocks.
	Execute(ctx context.Context, in ActionInput) ActionResult
}

// ActionSpec describes a registered action's input/output shape for the
// query surface (the builder UI renders forms from this).
type ActionSpec struct {
	Name        string            `json:"name"`
	Category    string            `json:"category"`
	Description string            `json:"description,omitempty"`
	InputFields map[string]string `json:"input_fields,omitempty"`  // field -> type
	OutputFields map[string]string `json:"output_fields,omitempty"` // field -> type
}
