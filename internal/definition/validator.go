package definition

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pitabwire/kazi/model"
)

// Validator checks definitions structurally and referentially at save
// time, so the dispatcher and engine never re-parse configuration.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

var validTriggerTypes = map[string]bool{
	model.TriggerEvent: true, model.TriggerSchedule: true,
	model.TriggerWebhook: true, model.TriggerManual: true,
}

var validStepKinds = map[string]bool{
	model.StepAction: true, model.StepCondition: true, model.StepDelay: true,
	model.StepWaitForEvent: true, model.StepLoop: true, model.StepParallel: true,
	model.StepTransform: true, model.StepSetVariable: true, model.StepStop: true,
}

var validOnError = map[string]bool{
	"": true, model.OnErrorFail: true, model.OnErrorContinue: true,
	model.OnErrorRetry: true, model.OnErrorBranch: true,
}

// Validate checks the whole definition. An empty result means valid.
func (v *Validator) Validate(def model.WorkflowDefinition) []model.FieldError {
	var errs []model.FieldError

	if def.Name == "" {
		errs = append(errs, fieldErr("name", "REQUIRED", "name is required"))
	}
	if def.Slug == "" {
		errs = append(errs, fieldErr("slug", "REQUIRED", "slug is required"))
	}
	if def.MaxExecutionsPerHour < 0 {
		errs = append(errs, fieldErr("max_executions_per_hour", "RANGE", "must be zero or positive"))
	}
	if def.TimeoutSeconds < 0 {
		errs = append(errs, fieldErr("timeout_seconds", "RANGE", "must be zero or positive"))
	}

	errs = append(errs, v.validateTrigger(def)...)
	errs = append(errs, v.validateSteps(def.Steps)...)

	seenSubs := make(map[string]bool)
	for i, sub := range def.Subscriptions {
		prefix := fmt.Sprintf("subscriptions[%d]", i)
		if sub.EventType == "" {
			errs = append(errs, fieldErr(prefix+".event_type", "REQUIRED", "event_type is required"))
		}
		tuple := sub.EventType + "\x00" + sub.SourceModule
		if sub.EventType != "" && seenSubs[tuple] {
			errs = append(errs, fieldErr(prefix+".event_type", "DUPLICATE", fmt.Sprintf(
				"duplicate subscription for event %q source %q", sub.EventType, sub.SourceModule)))
		}
		seenSubs[tuple] = true
		errs = append(errs, validateFilter(prefix+".filter", sub.Filter)...)
	}

	seenKeys := make(map[string]bool)
	for i, wv := range def.Variables {
		prefix := fmt.Sprintf("variables[%d]", i)
		if wv.Key == "" {
			errs = append(errs, fieldErr(prefix+".key", "REQUIRED", "key is required"))
			continue
		}
		if seenKeys[wv.Key] {
			errs = append(errs, fieldErr(prefix+".key", "DUPLICATE", fmt.Sprintf("duplicate variable key %q", wv.Key)))
		}
		seenKeys[wv.Key] = true
	}

	return errs
}

func (v *Validator) validateTrigger(def model.WorkflowDefinition) []model.FieldError {
	var errs []model.FieldError

	if def.TriggerType == "" {
		return append(errs, fieldErr("trigger_type", "REQUIRED", "trigger_type is required"))
	}
	if !validTriggerTypes[def.TriggerType] {
		return append(errs, fieldErr("trigger_type", "INVALID_ENUM",
			fmt.Sprintf("invalid trigger type %q", def.TriggerType)))
	}

	switch def.TriggerType {
	case model.TriggerEvent:
		cfg := def.TriggerConfig.Event
		if cfg == nil || cfg.EventType == "" {
			errs = append(errs, fieldErr("trigger_config.event.event_type", "REQUIRED",
				"event trigger requires an event_type"))
		}
	case model.TriggerSchedule:
		cfg := def.TriggerConfig.Schedule
		if cfg == nil || cfg.Cron == "" {
			errs = append(errs, fieldErr("trigger_config.schedule.cron", "REQUIRED",
				"schedule trigger requires a cron expression"))
			break
		}
		if _, err := cron.ParseStandard(cfg.Cron); err != nil {
			errs = append(errs, fieldErr("trigger_config.schedule.cron", "INVALID_CRON",
				fmt.Sprintf("invalid cron expression %q: %v", cfg.Cron, err)))
		}
		if cfg.Timezone != "" {
			if _, err := time.LoadLocation(cfg.Timezone); err != nil {
				errs = append(errs, fieldErr("trigger_config.schedule.timezone", "INVALID_TIMEZONE",
					fmt.Sprintf("unknown timezone %q", cfg.Timezone)))
			}
		}
	}
	return errs
}

func (v *Validator) validateSteps(steps []model.WorkflowStep) []model.FieldError {
	var errs []model.FieldError

	stepIDs := make(map[string]bool, len(steps))
	positions := make(map[int]bool, len(steps))
	for i, s := range steps {
		prefix := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			errs = append(errs, fieldErr(prefix+".id", "REQUIRED", "step id is required"))
		} else if stepIDs[s.ID] {
			errs = append(errs, fieldErr(prefix+".id", "DUPLICATE", fmt.Sprintf("duplicate step id %q", s.ID)))
		}
		stepIDs[s.ID] = true

		if positions[s.Position] {
			errs = append(errs, fieldErr(prefix+".position", "DUPLICATE",
				fmt.Sprintf("duplicate position %d", s.Position)))
		}
		positions[s.Position] = true
	}

	// Positions must be contiguous from zero.
	for p := 0; p < len(steps); p++ {
		if !positions[p] {
			errs = append(errs, fieldErr("steps", "NOT_CONTIGUOUS",
				fmt.Sprintf("step positions must be contiguous from 0, missing %d", p)))
			break
		}
	}

	for i, s := range steps {
		prefix := fmt.Sprintf("steps[%d]", i)
		errs = append(errs, v.validateStepConfig(prefix, s)...)

		if !validOnError[s.OnError] {
			errs = append(errs, fieldErr(prefix+".on_error", "INVALID_ENUM",
				fmt.Sprintf("invalid on_error policy %q", s.OnError)))
		}
		if s.OnError == model.OnErrorBranch {
			if s.ErrorBranchStepID == "" {
				errs = append(errs, fieldErr(prefix+".error_branch_step_id", "REQUIRED",
					"branch policy requires error_branch_step_id"))
			} else if !stepIDs[s.ErrorBranchStepID] {
				errs = append(errs, fieldErr(prefix+".error_branch_step_id", "REF_NOT_FOUND",
					fmt.Sprintf("step %q not found in workflow", s.ErrorBranchStepID)))
			}
		}
		if s.OnError == model.OnErrorRetry && s.MaxRetries <= 0 {
			errs = append(errs, fieldErr(prefix+".max_retries", "RANGE",
				"retry policy requires max_retries > 0"))
		}
		if cfg := s.Config.Condition; s.Kind == model.StepCondition && cfg != nil &&
			cfg.FalseTargetStepID != "" && !stepIDs[cfg.FalseTargetStepID] {
			errs = append(errs, fieldErr(prefix+".config.condition.false_target_step_id", "REF_NOT_FOUND",
				fmt.Sprintf("step %q not found in workflow", cfg.FalseTargetStepID)))
		}
	}

	return errs
}

func (v *Validator) validateStepConfig(prefix string, s model.WorkflowStep) []model.FieldError {
	var errs []model.FieldError

	if s.Kind == "" {
		return append(errs, fieldErr(prefix+".kind", "REQUIRED", "step kind is required"))
	}
	if !validStepKinds[s.Kind] {
		return append(errs, fieldErr(prefix+".kind", "INVALID_ENUM",
			fmt.Sprintf("invalid step kind %q", s.Kind)))
	}

	switch s.Kind {
	case model.StepAction:
		if s.Config.Action == nil || s.Config.Action.ActionType == "" {
			errs = append(errs, fieldErr(prefix+".config.action.action_type", "REQUIRED",
				"action step requires an action_type"))
		}
	case model.StepCondition:
		if s.Config.Condition == nil || len(s.Config.Condition.Conditions) == 0 {
			errs = append(errs, fieldErr(prefix+".config.condition.conditions", "REQUIRED",
				"condition step requires at least one comparison"))
		}
	case model.StepDelay:
		cfg := s.Config.Delay
		if cfg == nil {
			errs = append(errs, fieldErr(prefix+".config.delay", "REQUIRED", "delay step requires config"))
			break
		}
		set := 0
		if cfg.DurationSeconds > 0 {
			set++
		}
		if cfg.Until != "" {
			set++
			if _, err := time.Parse(time.RFC3339, cfg.Until); err != nil {
				errs = append(errs, fieldErr(prefix+".config.delay.until", "INVALID_TIMESTAMP",
					"until must be RFC3339"))
			}
		}
		if cfg.Expression != "" {
			set++
		}
		if set != 1 {
			errs = append(errs, fieldErr(prefix+".config.delay", "EXCLUSIVE",
				"exactly one of duration_seconds, until, expression must be set"))
		}
	case model.StepWaitForEvent:
		if s.Config.WaitEvent == nil || s.Config.WaitEvent.EventType == "" {
			errs = append(errs, fieldErr(prefix+".config.wait_event.event_type", "REQUIRED",
				"waitForEvent step requires an event_type"))
		}
	case model.StepLoop:
		cfg := s.Config.Loop
		if cfg == nil || cfg.ItemsPath == "" {
			errs = append(errs, fieldErr(prefix+".config.loop.items_path", "REQUIRED",
				"loop step requires an items_path"))
		}
		if cfg == nil || cfg.Action.ActionType == "" {
			errs = append(errs, fieldErr(prefix+".config.loop.action.action_type", "REQUIRED",
				"loop step requires a nested action_type"))
		}
	case model.StepParallel:
		cfg := s.Config.Parallel
		if cfg == nil || len(cfg.Branches) == 0 {
			errs = append(errs, fieldErr(prefix+".config.parallel.branches", "REQUIRED",
				"parallel step requires at least one branch"))
			break
		}
		names := make(map[string]bool, len(cfg.Branches))
		for j, b := range cfg.Branches {
			bp := fmt.Sprintf("%s.config.parallel.branches[%d]", prefix, j)
			if b.Name == "" {
				errs = append(errs, fieldErr(bp+".name", "REQUIRED", "branch name is required"))
			} else if names[b.Name] {
				errs = append(errs, fieldErr(bp+".name", "DUPLICATE",
					fmt.Sprintf("duplicate branch name %q", b.Name)))
			}
			names[b.Name] = true
			if b.Action.ActionType == "" {
				errs = append(errs, fieldErr(bp+".action.action_type", "REQUIRED",
					"branch requires an action_type"))
			}
		}
	case model.StepTransform:
		if s.Config.Transform == nil || len(s.Config.Transform.Fields) == 0 {
			errs = append(errs, fieldErr(prefix+".config.transform.fields", "REQUIRED",
				"transform step requires field mappings"))
		}
	case model.StepSetVariable:
		if s.Config.SetVariable == nil || s.Config.SetVariable.Key == "" {
			errs = append(errs, fieldErr(prefix+".config.set_variable.key", "REQUIRED",
				"setVariable step requires a key"))
		}
	}

	return errs
}

// validateFilter checks the structural shape of a subscription filter:
// "$or"/"$and" hold lists of nested filters, operator objects use known
// operators, everything else is a literal comparison.
func validateFilter(prefix string, filter map[string]any) []model.FieldError {
	var errs []model.FieldError

	for key, cond := range filter {
		switch key {
		case "$or", "$and":
			list, ok := cond.([]any)
			if !ok || len(list) == 0 {
				errs = append(errs, fieldErr(prefix+"."+key, "INVALID_FILTER",
					key+" must hold a non-empty list of filters"))
				continue
			}
			for j, elem := range list {
				nested, ok := elem.(map[string]any)
				if !ok {
					errs = append(errs, fieldErr(fmt.Sprintf("%s.%s[%d]", prefix, key, j),
						"INVALID_FILTER", "nested filter must be an object"))
					continue
				}
				errs = append(errs, validateFilter(fmt.Sprintf("%s.%s[%d]", prefix, key, j), nested)...)
			}
		default:
			// Bare literals and operator objects are both valid; an
			// unrecognized operator evaluates as strict equality at match
			// time, so it is not rejected here.
			if ops, ok := cond.(map[string]any); ok {
				if len(ops) == 0 {
					errs = append(errs, fieldErr(prefix+"."+key, "INVALID_FILTER",
						"operator object must not be empty"))
				}
			}
		}
	}
	return errs
}

func fieldErr(field, code, msg string) model.FieldError {
	return model.FieldError{Field: field, Code: code, Message: msg}
}
