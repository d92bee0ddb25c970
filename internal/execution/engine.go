package execution

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/action"
	"github.com/pitabwire/kazi/internal/definition"
	"github.com/pitabwire/kazi/internal/observability"
	"github.com/pitabwire/kazi/internal/template"
	"github.com/pitabwire/kazi/model"
)

const (
	defaultLoopLimit   = 100
	defaultMaxAttempts = 1
)

// Engine drives claimed executions through their steps, checkpointing
// after every step so any instance can pick up an interrupted run.
type Engine struct {
	defs    definition.Store
	store   Store
	actions *action.Registry
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an execution engine.
func NewEngine(defs definition.Store, store Store, actions *action.Registry, logger *zap.Logger) *Engine {
	return &Engine{
		defs:    defs,
		store:   store,
		actions: actions,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepCtx,
	}
}

// SetMetrics attaches the metric instruments. A nil engine metrics
// field simply records nothing.
func (e *Engine) SetMetrics(m *observability.Metrics) {
	e.metrics = m
}

// stepOutcome is the internal result of executing one step attempt.
type stepOutcome struct {
	ok     bool
	output map[string]any
	errMsg string

	// nextPos overrides the default position+1 advance when >= 0.
	nextPos int

	// paused and done short-circuit the run loop. The step handler has
	// already prepared the execution state for persistence.
	paused bool
	done   bool
}

// Run claims the execution and processes steps until it completes,
// fails, pauses, or is interrupted. EXECUTION_CLAIMED and
// EXECUTION_NOT_ACTIVE from the claim are returned to the caller, which
// normally ignores them: someone else got there first.
func (e *Engine) Run(ctx context.Context, execID string) error {
	exec, err := e.store.Claim(ctx, execID)
	if err != nil {
		return err
	}
	e.metrics.RecordExecutionStart(exec.WorkflowID)
	defer func() {
		final := ""
		if exec.IsTerminal() {
			final = exec.Status
		}
		e.metrics.RecordExecutionEnd(exec.WorkflowID, final)
	}()

	def, err := e.defs.Get(ctx, exec.TenantID, exec.WorkflowID)
	if err != nil {
		return e.finish(ctx, &exec, model.ExecutionFailed, fmt.Sprintf("load definition: %v", err))
	}

	logger := e.logger.With(
		zap.String("tenant_id", exec.TenantID),
		zap.String("workflow_id", exec.WorkflowID),
		zap.String("execution_id", exec.ID),
	)
	logger.Info("execution claimed",
		zap.Int("current_step", exec.CurrentStep),
		zap.Int("attempt", exec.Attempt),
	)

	var deadline time.Time
	if def.TimeoutSeconds > 0 && exec.StartedAt != nil {
		deadline = exec.StartedAt.Add(time.Duration(def.TimeoutSeconds) * time.Second)
	}

	for {
		// Step boundary: observe external cancellation and the wall clock.
		fresh, err := e.store.Get(ctx, exec.TenantID, exec.ID)
		if err != nil {
			return err
		}
		if fresh.Status == model.ExecutionCancelled {
			logger.Info("execution cancelled, stopping at step boundary")
			return nil
		}
		if ctx.Err() != nil {
			// Shutdown: leave the execution running; the stale sweep will
			// requeue it.
			return ctx.Err()
		}
		if !deadline.IsZero() && e.now().After(deadline) {
			logger.Warn("execution exceeded timeout", zap.Time("deadline", deadline))
			return e.finish(ctx, &exec, model.ExecutionTimedOut, "execution timed out")
		}

		step := def.StepAt(exec.CurrentStep)
		if step == nil {
			// Past the last step: the run is complete.
			return e.complete(ctx, &exec, logger)
		}

		outcome, err := e.runStep(ctx, &def, step, &exec, logger)
		if err != nil {
			return err
		}

		switch {
		case outcome.done:
			return e.complete(ctx, &exec, logger)
		case outcome.paused:
			if err := e.checkpoint(ctx, &exec); err != nil {
				return e.handleCheckpointError(ctx, &exec, err, logger)
			}
			logger.Info("execution paused",
				zap.Int("current_step", exec.CurrentStep),
				zap.String("wait_event_type", exec.WaitEventType),
			)
			return nil
		case !outcome.ok:
			return e.finish(ctx, &exec, model.ExecutionFailed, outcome.errMsg)
		}

		if outcome.nextPos >= 0 {
			exec.CurrentStep = outcome.nextPos
		} else {
			exec.CurrentStep = step.Position + 1
		}
		if err := e.checkpoint(ctx, &exec); err != nil {
			return e.handleCheckpointError(ctx, &exec, err, logger)
		}
	}
}

// Cancel requests cancellation of an execution. A running engine
// observes it at the next step boundary.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, execID string) error {
	return e.store.Cancel(ctx, rctx.TenantID, execID)
}

// runStep executes one step, including its retry policy. Every attempt
// produces a StepExecutionLog row.
func (e *Engine) runStep(
	ctx context.Context,
	def *model.WorkflowDefinition,
	step *model.WorkflowStep,
	exec *model.WorkflowExecution,
	logger *zap.Logger,
) (stepOutcome, error) {
	maxAttempts := defaultMaxAttempts
	if step.OnError == model.OnErrorRetry && step.MaxRetries > 0 {
		maxAttempts = step.MaxRetries + 1
	}

	var outcome stepOutcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		input := template.ResolveMap(step.InputMapping, exec.Context)
		started := e.now()
		outcome = e.executeStep(ctx, def, step, input, exec)
		finished := e.now()

		// Parking on a delay or wait is not an attempt; the log row is
		// written when the step actually finishes.
		if !outcome.paused {
			e.metrics.RecordStep(exec.WorkflowID, step.Kind,
				!outcome.ok && !outcome.done, finished.Sub(started))
			e.appendStepLog(ctx, def, exec, step, attempt, input, outcome, started, finished)
		}

		if outcome.ok || outcome.paused || outcome.done {
			if outcome.ok && step.OutputKey != "" && !outcome.paused {
				exec.StepOutputs()[step.OutputKey] = outcome.output
			}
			return outcome, nil
		}

		logger.Warn("step attempt failed",
			zap.String("step_id", step.ID),
			zap.String("step_kind", step.Kind),
			zap.Int("attempt", attempt),
			zap.String("error", outcome.errMsg),
		)

		if attempt < maxAttempts && step.RetryDelaySeconds > 0 {
			if err := e.sleep(ctx, time.Duration(step.RetryDelaySeconds)*time.Second); err != nil {
				return stepOutcome{}, err
			}
		}
	}

	// Attempts exhausted: apply the on-error policy.
	switch step.OnError {
	case model.OnErrorContinue:
		if step.OutputKey != "" {
			exec.StepOutputs()[step.OutputKey] = map[string]any{"error": outcome.errMsg}
		}
		return stepOutcome{ok: true, nextPos: -1}, nil
	case model.OnErrorBranch:
		target := def.StepByID(step.ErrorBranchStepID)
		if target == nil {
			return stepOutcome{ok: false, errMsg: fmt.Sprintf(
				"step %q failed and error branch %q not found: %s",
				step.ID, step.ErrorBranchStepID, outcome.errMsg,
			)}, nil
		}
		return stepOutcome{ok: true, nextPos: target.Position}, nil
	default:
		// fail, and retry once attempts are spent.
		return stepOutcome{ok: false, errMsg: fmt.Sprintf("step %q failed: %s", step.ID, outcome.errMsg)}, nil
	}
}

// executeStep dispatches on the step kind. Failures come back as a
// non-ok outcome, never a Go error; errors are reserved for storage
// faults.
func (e *Engine) executeStep(
	ctx context.Context,
	def *model.WorkflowDefinition,
	step *model.WorkflowStep,
	input map[string]any,
	exec *model.WorkflowExecution,
) stepOutcome {
	switch step.Kind {
	case model.StepAction:
		return e.executeAction(ctx, step.Config.Action, input, exec)
	case model.StepCondition:
		return e.executeCondition(def, step.Config.Condition, exec)
	case model.StepDelay:
		return e.executeDelay(step, exec)
	case model.StepWaitForEvent:
		return e.executeWait(step, exec)
	case model.StepLoop:
		return e.executeLoop(ctx, step.Config.Loop, exec)
	case model.StepParallel:
		return e.executeParallel(ctx, step.Config.Parallel, exec)
	case model.StepTransform:
		if step.Config.Transform == nil {
			return failure("transform step missing config")
		}
		return success(template.ResolveMap(step.Config.Transform.Fields, exec.Context))
	case model.StepSetVariable:
		return e.executeSetVariable(step.Config.SetVariable, exec)
	case model.StepStop:
		exec.Output = copyMap(exec.StepOutputs())
		return stepOutcome{ok: true, done: true, nextPos: -1}
	default:
		return failure(fmt.Sprintf("unknown step kind %q", step.Kind))
	}
}

func (e *Engine) executeAction(
	ctx context.Context,
	cfg *model.ActionStepConfig,
	input map[string]any,
	exec *model.WorkflowExecution,
) stepOutcome {
	if cfg == nil || cfg.ActionType == "" {
		return failure("action step missing action_type")
	}

	// Static params resolved against the context, then the input mapping
	// layered on top.
	params := template.ResolveMap(cfg.Params, exec.Context)
	for k, v := range input {
		params[k] = v
	}

	result := e.actions.Execute(ctx, model.ActionInput{
		ActionType:       cfg.ActionType,
		TenantID:         exec.TenantID,
		Params:           params,
		ExecutionContext: exec.Context,
	})
	e.recordAction(cfg.ActionType, result.OK())
	if !result.OK() {
		return failure(result.Error)
	}
	return success(result.Output)
}

func (e *Engine) recordAction(actionType string, ok bool) {
	status := "completed"
	if !ok {
		status = "failed"
	}
	e.metrics.RecordAction(actionType, status)
}

func (e *Engine) executeCondition(
	def *model.WorkflowDefinition,
	cfg *model.ConditionStepConfig,
	exec *model.WorkflowExecution,
) stepOutcome {
	if cfg == nil {
		return failure("condition step missing config")
	}

	// Comparison operands may themselves contain markers.
	resolved := make([]model.Comparison, len(cfg.Conditions))
	for i, c := range cfg.Conditions {
		c.Value = template.Resolve(c.Value, exec.Context)
		resolved[i] = c
	}

	matched := template.EvalComparisons(cfg.Combine, resolved, exec.Context)
	out := stepOutcome{ok: true, output: map[string]any{"result": matched}, nextPos: -1}
	if !matched && cfg.FalseTargetStepID != "" {
		target := def.StepByID(cfg.FalseTargetStepID)
		if target == nil {
			return failure(fmt.Sprintf("false branch step %q not found", cfg.FalseTargetStepID))
		}
		out.nextPos = target.Position
	}
	return out
}

// executeDelay parks the execution on the delay step itself. On
// re-entry after the resumption time has passed, the delay completes
// like any other step, so the audit trail shows the pause.
func (e *Engine) executeDelay(step *model.WorkflowStep, exec *model.WorkflowExecution) stepOutcome {
	cfg := step.Config.Delay
	if cfg == nil {
		return failure("delay step missing config")
	}

	now := e.now()
	if exec.ResumeAt != nil && exec.WaitEventType == "" {
		// We were parked here and the sweeper brought us back.
		resumedFrom := *exec.ResumeAt
		exec.ResumeAt = nil
		return success(map[string]any{
			"delayed_until": resumedFrom.Format(time.RFC3339),
			"resumed_at":    now.Format(time.RFC3339),
		})
	}

	var resumeAt time.Time
	switch {
	case cfg.DurationSeconds > 0:
		resumeAt = now.Add(time.Duration(cfg.DurationSeconds) * time.Second)
	case cfg.Until != "":
		t, err := time.Parse(time.RFC3339, cfg.Until)
		if err != nil {
			return failure(fmt.Sprintf("parse delay until %q: %v", cfg.Until, err))
		}
		resumeAt = t.UTC()
	case cfg.Expression != "":
		rendered := template.ResolveString(cfg.Expression, exec.Context)
		t, err := parseDelayExpression(rendered, now)
		if err != nil {
			return failure(err.Error())
		}
		resumeAt = t
	default:
		return failure("delay step has no duration, until, or expression")
	}

	exec.Status = model.ExecutionPaused
	exec.ResumeAt = &resumeAt
	return stepOutcome{ok: true, paused: true, nextPos: -1, output: map[string]any{
		"resume_at": resumeAt.Format(time.RFC3339),
	}}
}

// executeWait either consumes a matching event that released the wait,
// observes a wait timeout, or parks the execution on the event type.
func (e *Engine) executeWait(step *model.WorkflowStep, exec *model.WorkflowExecution) stepOutcome {
	cfg := step.Config.WaitEvent
	if cfg == nil || cfg.EventType == "" {
		return failure("waitForEvent step missing event_type")
	}

	if payload, ok := exec.Context[model.ContextKeyWaitEvent].(map[string]any); ok {
		// The dispatcher matched an event and requeued us.
		delete(exec.Context, model.ContextKeyWaitEvent)
		exec.WaitEventType = ""
		exec.ResumeAt = nil
		return success(payload)
	}

	if exec.WaitEventType == cfg.EventType {
		// We were already parked here and no event arrived: the only way
		// back through the claim with no payload is the wait timeout.
		exec.WaitEventType = ""
		exec.ResumeAt = nil
		return failure(fmt.Sprintf("timed out waiting for event %q", cfg.EventType))
	}

	exec.Status = model.ExecutionPaused
	exec.WaitEventType = cfg.EventType
	exec.ResumeAt = nil
	if cfg.TimeoutSeconds > 0 {
		t := e.now().Add(time.Duration(cfg.TimeoutSeconds) * time.Second)
		exec.ResumeAt = &t
	}
	return stepOutcome{ok: true, paused: true, nextPos: -1, output: map[string]any{
		"waiting_for": cfg.EventType,
	}}
}

func (e *Engine) executeLoop(
	ctx context.Context,
	cfg *model.LoopStepConfig,
	exec *model.WorkflowExecution,
) stepOutcome {
	if cfg == nil || cfg.ItemsPath == "" {
		return failure("loop step missing items_path")
	}

	raw, ok := template.Lookup(exec.Context, cfg.ItemsPath)
	if !ok {
		return failure(fmt.Sprintf("loop items path %q not found in context", cfg.ItemsPath))
	}
	items, ok := raw.([]any)
	if !ok {
		return failure(fmt.Sprintf("loop items path %q is not a list", cfg.ItemsPath))
	}

	limit := cfg.MaxItems
	if limit <= 0 || limit > defaultLoopLimit {
		limit = defaultLoopLimit
	}
	if len(items) > limit {
		items = items[:limit]
	}

	itemKey := cfg.ItemKey
	if itemKey == "" {
		itemKey = "item"
	}

	results := make([]any, 0, len(items))
	for i, item := range items {
		iterCtx := copyMap(exec.Context)
		iterCtx[itemKey] = item

		params := template.ResolveMap(cfg.Action.Params, iterCtx)
		result := e.actions.Execute(ctx, model.ActionInput{
			ActionType:       cfg.Action.ActionType,
			TenantID:         exec.TenantID,
			Params:           params,
			ExecutionContext: iterCtx,
		})
		e.recordAction(cfg.Action.ActionType, result.OK())
		if !result.OK() {
			return stepOutcome{ok: false, nextPos: -1,
				output: map[string]any{"results": results, "failed_index": i},
				errMsg: fmt.Sprintf("loop item %d: %s", i, result.Error),
			}
		}
		results = append(results, result.Output)
	}
	return success(map[string]any{"results": results, "count": len(results)})
}

func (e *Engine) executeParallel(
	ctx context.Context,
	cfg *model.ParallelStepConfig,
	exec *model.WorkflowExecution,
) stepOutcome {
	if cfg == nil || len(cfg.Branches) == 0 {
		return failure("parallel step has no branches")
	}

	type branchResult struct {
		name   string
		result model.ActionResult
	}

	var wg sync.WaitGroup
	results := make([]branchResult, len(cfg.Branches))
	for i, branch := range cfg.Branches {
		wg.Add(1)
		go func(i int, branch model.ParallelBranch) {
			defer wg.Done()

			params := template.ResolveMap(branch.Action.Params, exec.Context)
			for k, v := range template.ResolveMap(branch.Input, exec.Context) {
				params[k] = v
			}
			results[i] = branchResult{
				name: branch.Name,
				result: e.actions.Execute(ctx, model.ActionInput{
					ActionType:       branch.Action.ActionType,
					TenantID:         exec.TenantID,
					Params:           params,
					ExecutionContext: exec.Context,
				}),
			}
		}(i, branch)
	}
	wg.Wait()

	byName := make(map[string]any, len(results))
	var failed []string
	for i, br := range results {
		e.recordAction(cfg.Branches[i].Action.ActionType, br.result.OK())
		if br.result.OK() {
			byName[br.name] = br.result.Output
		} else {
			byName[br.name] = map[string]any{"error": br.result.Error}
			failed = append(failed, br.name)
		}
	}
	if len(failed) > 0 {
		return stepOutcome{ok: false, nextPos: -1,
			output: map[string]any{"branches": byName},
			errMsg: fmt.Sprintf("parallel branches failed: %v", failed),
		}
	}
	return success(map[string]any{"branches": byName})
}

func (e *Engine) executeSetVariable(cfg *model.SetVariableStepConfig, exec *model.WorkflowExecution) stepOutcome {
	if cfg == nil || cfg.Key == "" {
		return failure("setVariable step missing key")
	}

	if exec.Context == nil {
		exec.Context = make(map[string]any)
	}
	vars, ok := exec.Context[model.ContextKeyVariables].(map[string]any)
	if !ok {
		vars = make(map[string]any)
		exec.Context[model.ContextKeyVariables] = vars
	}
	value := template.Resolve(cfg.Value, exec.Context)
	vars[cfg.Key] = value
	return success(map[string]any{"key": cfg.Key, "value": value})
}

// complete marks the execution completed with its accumulated outputs.
func (e *Engine) complete(ctx context.Context, exec *model.WorkflowExecution, logger *zap.Logger) error {
	if exec.Output == nil {
		exec.Output = copyMap(exec.StepOutputs())
	}
	if err := e.finish(ctx, exec, model.ExecutionCompleted, ""); err != nil {
		return err
	}
	logger.Info("execution completed", zap.Int("steps_run", exec.CurrentStep))
	return nil
}

// finish persists a terminal status and bumps the definition counters.
func (e *Engine) finish(ctx context.Context, exec *model.WorkflowExecution, status, errMsg string) error {
	now := e.now()
	exec.Status = status
	exec.Error = errMsg
	exec.FinishedAt = &now
	exec.ResumeAt = nil
	exec.WaitEventType = ""

	if err := e.checkpoint(ctx, exec); err != nil {
		return err
	}

	success := status == model.ExecutionCompleted
	if err := e.defs.IncrementRunCounters(ctx, exec.WorkflowID, success, errMsg, now); err != nil {
		e.logger.Warn("increment run counters failed",
			zap.String("workflow_id", exec.WorkflowID),
			zap.Error(err),
		)
	}
	return nil
}

// checkpoint persists the execution and keeps the local version in step
// with the store.
func (e *Engine) checkpoint(ctx context.Context, exec *model.WorkflowExecution) error {
	if err := e.store.Update(ctx, *exec); err != nil {
		return err
	}
	exec.Version++
	return nil
}

// handleCheckpointError resolves a conflicting checkpoint: a concurrent
// cancel is expected and final, anything else propagates.
func (e *Engine) handleCheckpointError(ctx context.Context, exec *model.WorkflowExecution, err error, logger *zap.Logger) error {
	if !model.IsCode(err, model.ErrConflict) {
		return err
	}
	fresh, getErr := e.store.Get(ctx, exec.TenantID, exec.ID)
	if getErr == nil && fresh.Status == model.ExecutionCancelled {
		logger.Info("execution cancelled during checkpoint")
		return nil
	}
	return err
}

func (e *Engine) appendStepLog(
	ctx context.Context,
	def *model.WorkflowDefinition,
	exec *model.WorkflowExecution,
	step *model.WorkflowStep,
	attempt int,
	input map[string]any,
	outcome stepOutcome,
	started, finished time.Time,
) {
	status := model.StepLogCompleted
	errMsg := ""
	if !outcome.ok && !outcome.paused && !outcome.done {
		status = model.StepLogFailed
		errMsg = outcome.errMsg
	}

	// Secret variable values must not survive into the audit trail.
	secrets := secretVariableKeys(def)
	log := model.StepExecutionLog{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		StepID:      step.ID,
		StepName:    step.Name,
		Position:    step.Position,
		Attempt:     attempt,
		Status:      status,
		Input:       observability.RedactBody(input, secrets),
		Output:      observability.RedactBody(outcome.output, secrets),
		Error:       errMsg,
		StartedAt:   started,
		FinishedAt:  finished,
		DurationMs:  finished.Sub(started).Milliseconds(),
	}
	if err := e.store.AppendStepLog(ctx, log); err != nil {
		e.logger.Warn("append step log failed",
			zap.String("execution_id", exec.ID),
			zap.String("step_id", step.ID),
			zap.Error(err),
		)
	}
}

// parseDelayExpression accepts an RFC3339 timestamp or a number of
// seconds.
func parseDelayExpression(expr string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return t.UTC(), nil
	}
	if seconds, err := strconv.ParseFloat(expr, 64); err == nil && seconds > 0 {
		return now.Add(time.Duration(seconds * float64(time.Second))), nil
	}
	return time.Time{}, fmt.Errorf("delay expression %q is neither RFC3339 nor seconds", expr)
}

// secretVariableKeys lists the keys of a definition's secret variables.
func secretVariableKeys(def *model.WorkflowDefinition) []string {
	var keys []string
	for _, v := range def.Variables {
		if v.Secret {
			keys = append(keys, v.Key)
		}
	}
	return keys
}

func success(output map[string]any) stepOutcome {
	return stepOutcome{ok: true, output: output, nextPos: -1}
}

func failure(msg string) stepOutcome {
	return stepOutcome{ok: false, errMsg: msg, nextPos: -1}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
