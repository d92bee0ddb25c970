package model

import "time"

// Trigger kind constants. Every workflow definition is bound to exactly
// one trigger kind.
const (
	TriggerEvent    = "event"
	TriggerSchedule = "schedule"
	TriggerWebhook  = "webhook"
	TriggerManual   = "manual"
)

// Step kind constants. The set is closed; the engine treats anything
// else as a fatal step failure.
const (
	StepAction       = "action"
	StepCondition    = "condition"
	StepDelay        = "delay"
	StepWaitForEvent = "waitForEvent"
	StepLoop         = "loop"
	StepParallel     = "parallel"
	StepTransform    = "transform"
	StepSetVariable  = "setVariable"
	StepStop         = "stop"
)

// On-error policy constants for a step.
const (
	OnErrorFail     = "fail"
	OnErrorContinue = "continue"
	OnErrorRetry    = "retry"
	OnErrorBranch   = "branch"
)

// WorkflowDefinition describes a tenant's automation: a trigger plus an
// ordered list of steps. Definitions are pure data; the engine never
// mutates anything here except the run counters.
type WorkflowDefinition struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenant_id"`
	Name        string   `json:"name"`
	Slug        string   `json:"slug"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	TriggerType    string          `json:"trigger_type"`
	TriggerConfig  TriggerConfig   `json:"trigger_config"`
	IsActive       bool            `json:"is_active"`

	MaxRetries           int `json:"max_retries"`
	TimeoutSeconds       int `json:"timeout_seconds"`
	MaxExecutionsPerHour int `json:"max_executions_per_hour"`

	// Aggregate counters, informational only. Never gate execution.
	TotalRuns   int64      `json:"total_runs"`
	SuccessRuns int64      `json:"success_runs"`
	FailedRuns  int64      `json:"failed_runs"`
	LastError   string     `json:"last_error,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`

	// NextRunAt is maintained for schedule-triggered definitions only.
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	Steps         []WorkflowStep      `json:"steps,omitempty"`
	Subscriptions []EventSubscription `json:"subscriptions,omitempty"`
	Variables     []WorkflowVariable  `json:"variables,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerConfig carries the kind-specific trigger settings. Exactly one
// of the nested configs is populated, matching the definition's
// TriggerType. Validated at save time so the dispatcher never re-parses.
type TriggerConfig struct {
	Event    *EventTriggerConfig    `json:"event,omitempty"`
	Schedule *ScheduleTriggerConfig `json:"schedule,omitempty"`
	Webhook  *WebhookTriggerConfig  `json:"webhook,omitempty"`
}

// EventTriggerConfig binds a definition to platform events. The actual
// matching rules live on EventSubscription rows; this only carries the
// primary event type used when the definition is created.
type EventTriggerConfig struct {
	EventType    string `json:"event_type"`
	SourceModule string `json:"source_module,omitempty"`
}

// ScheduleTriggerConfig holds a cron expression in the standard
// five-field form. Each firing creates exactly one execution.
type ScheduleTriggerConfig struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// WebhookTriggerConfig describes an inbound webhook trigger. The secret
// is compared against the X-Hook-Secret header on delivery.
type WebhookTriggerConfig struct {
	Secret string `json:"secret,omitempty"`
}

// WorkflowStep is one configured unit of work. Positions are unique and
// contiguous within a workflow; the only non-linear edge is the error
// branch back-reference.
type WorkflowStep struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	Name       string `json:"name"`
	Position   int    `json:"position"`
	Kind       string `json:"kind"`

	Config StepConfig `json:"config"`

	// InputMapping builds the step's input from the execution context.
	// Values may contain {{dotted.path}} markers.
	InputMapping map[string]any `json:"input_mapping,omitempty"`

	// OutputKey names the slot under steps.<key> where the result is
	// stored. Empty means the result is discarded.
	OutputKey string `json:"output_key,omitempty"`

	OnError           string `json:"on_error"`
	MaxRetries        int    `json:"max_retries,omitempty"`
	RetryDelaySeconds int    `json:"retry_delay_seconds,omitempty"`
	ErrorBranchStepID string `json:"error_branch_step_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepConfig carries the kind-specific step settings. Exactly one nested
// config matches the step kind. Decoded and validated when the step is
// saved; the engine operates on these typed values only.
type StepConfig struct {
	Action      *ActionStepConfig      `json:"action,omitempty"`
	Condition   *ConditionStepConfig   `json:"condition,omitempty"`
	Delay       *DelayStepConfig       `json:"delay,omitempty"`
	WaitEvent   *WaitEventStepConfig   `json:"wait_event,omitempty"`
	Loop        *LoopStepConfig        `json:"loop,omitempty"`
	Parallel    *ParallelStepConfig    `json:"parallel,omitempty"`
	Transform   *TransformStepConfig   `json:"transform,omitempty"`
	SetVariable *SetVariableStepConfig `json:"set_variable,omitempty"`
}

// ActionStepConfig names the registered action to invoke. Params are
// merged under the step's resolved input mapping.
type ActionStepConfig struct {
	ActionType string         `json:"action_type"`
	Params     map[string]any `json:"params,omitempty"`
}

// ConditionStepConfig evaluates atomic comparisons against the context.
// A false outcome jumps to FalseTargetStepID when set, otherwise
// execution continues with the next step either way.
type ConditionStepConfig struct {
	Combine           string       `json:"combine,omitempty"` // "and" (default) or "or"
	Conditions        []Comparison `json:"conditions"`
	FalseTargetStepID string       `json:"false_target_step_id,omitempty"`
}

// Comparison is one atomic field comparison. An empty or unrecognized
// operator means strict equality.
type Comparison struct {
	Field    string `json:"field"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value"`
}

// DelayStepConfig pauses the execution. Exactly one of the fields is
// used: a fixed duration, an absolute RFC3339 timestamp, or a template
// expression resolving to either.
type DelayStepConfig struct {
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Until           string `json:"until,omitempty"`
	Expression      string `json:"expression,omitempty"`
}

// WaitEventStepConfig suspends the execution until a matching event
// arrives for the same tenant. TimeoutSeconds bounds the wait; zero
// means wait indefinitely.
type WaitEventStepConfig struct {
	EventType      string `json:"event_type"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// LoopStepConfig iterates a nested action over a collection resolved
// from the context. Results are collected in order under the step's
// output key.
type LoopStepConfig struct {
	ItemsPath string           `json:"items_path"`
	ItemKey   string           `json:"item_key,omitempty"` // context key per iteration, default "item"
	Action    ActionStepConfig `json:"action"`
	MaxItems  int              `json:"max_items,omitempty"`
}

// ParallelStepConfig fans out independent actions concurrently and
// collects their results indexed by branch name.
type ParallelStepConfig struct {
	Branches []ParallelBranch `json:"branches"`
}

// ParallelBranch is one named branch of a parallel step.
type ParallelBranch struct {
	Name   string           `json:"name"`
	Action ActionStepConfig `json:"action"`
	Input  map[string]any   `json:"input,omitempty"`
}

// TransformStepConfig builds a new object from declarative field
// mappings. Each value may contain {{dotted.path}} markers.
type TransformStepConfig struct {
	Fields map[string]any `json:"fields"`
}

// SetVariableStepConfig writes a resolved value into the context.
type SetVariableStepConfig struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// WorkflowVariable is a named, typed, optionally secret value scoped to
// a definition and loaded into every execution's context at start.
type WorkflowVariable struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Key        string    `json:"key"`
	Type       string    `json:"type,omitempty"` // string, number, boolean, json
	Value      any       `json:"value"`
	Secret     bool      `json:"secret,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StepByID returns the step with the given ID, or nil.
func (d *WorkflowDefinition) StepByID(stepID string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepAt returns the step at the given position, or nil.
func (d *WorkflowDefinition) StepAt(position int) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].Position == position {
			return &d.Steps[i]
		}
	}
	return nil
}
