package model

import "time"

// Execution status constants. Completed, failed, cancelled, and timedOut
// are terminal.
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionPaused    = "paused"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
	ExecutionTimedOut  = "timedOut"
)

// Step log status constants.
const (
	StepLogRunning   = "running"
	StepLogCompleted = "completed"
	StepLogFailed    = "failed"
	StepLogSkipped   = "skipped"
)

// Reserved context keys. The trigger payload, step outputs, and workflow
// variables are the three addressable roots for template resolution.
const (
	ContextKeyTrigger   = "trigger"
	ContextKeySteps     = "steps"
	ContextKeyVariables = "variables"

	// ContextKeyWaitEvent temporarily holds the payload of an event that
	// released a waitForEvent step, until the engine consumes it.
	ContextKeyWaitEvent = "_wait_event"
)

// WorkflowExecution is one run of a definition. Mutated exclusively by
// the execution engine after creation; retained as an audit record once
// terminal.
type WorkflowExecution struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflow_id"`
	TenantID     string `json:"tenant_id"`
	Status       string `json:"status"`
	TriggerType  string `json:"trigger_type"`
	TriggerData  map[string]any `json:"trigger_data,omitempty"`

	// Context threads data between the trigger and the steps. Seeded
	// with {trigger: payload, variables: {...}} at creation.
	Context map[string]any `json:"context,omitempty"`

	// CurrentStep is the position index the engine resumes from.
	CurrentStep int `json:"current_step"`

	// ResumeAt is set while paused on a delay (or a bounded wait).
	ResumeAt *time.Time `json:"resume_at,omitempty"`

	// WaitEventType is set while paused on a waitForEvent step.
	WaitEventType string `json:"wait_event_type,omitempty"`

	// Attempt starts at 1; retry-as-new-execution increments it and
	// records the original as parent.
	Attempt           int    `json:"attempt"`
	ParentExecutionID string `json:"parent_execution_id,omitempty"`

	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`

	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal reports whether the execution reached a final state.
func (e *WorkflowExecution) IsTerminal() bool {
	switch e.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	}
	return false
}

// StepOutputs returns the steps map from the context, creating it if
// absent.
func (e *WorkflowExecution) StepOutputs() map[string]any {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	outputs, ok := e.Context[ContextKeySteps].(map[string]any)
	if !ok {
		outputs = make(map[string]any)
		e.Context[ContextKeySteps] = outputs
	}
	return outputs
}

// StepExecutionLog is one row per attempt of one step within one
// execution. Append-mostly audit data.
type StepExecutionLog struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	StepName    string         `json:"step_name,omitempty"`
	Position    int            `json:"position"`
	Attempt     int            `json:"attempt"`
	Status      string         `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	DurationMs  int64          `json:"duration_ms"`
}

// ExecutionFilters are optional filters for listing executions.
type ExecutionFilters struct {
	WorkflowID string
	Status     string
	Limit      int
	Offset     int
}

// ExecutionSummary is a lightweight representation used in list views.
type ExecutionSummary struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	Status      string     `json:"status"`
	TriggerType string     `json:"trigger_type"`
	CurrentStep int        `json:"current_step"`
	Attempt     int        `json:"attempt"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
