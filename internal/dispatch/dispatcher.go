// Package dispatch turns external stimuli into executions: platform
// events, cron schedules, inbound webhooks, and manual triggers. It
// also releases executions parked on waitForEvent steps.
package dispatch

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/definition"
	"github.com/pitabwire/kazi/internal/execution"
	"github.com/pitabwire/kazi/internal/observability"
	"github.com/pitabwire/kazi/internal/template"
	"github.com/pitabwire/kazi/model"
)

// Dispatcher matches triggers to workflow definitions and creates
// pending executions for the engine to pick up. It never runs steps
// itself.
type Dispatcher struct {
	defs    definition.Store
	execs   execution.Store
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewDispatcher creates a dispatcher over the given stores.
func NewDispatcher(defs definition.Store, execs execution.Store, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		defs:   defs,
		execs:  execs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics attaches the metric instruments.
func (d *Dispatcher) SetMetrics(m *observability.Metrics) {
	d.metrics = m
}

// HandleEvent processes one platform event: it releases executions
// waiting on the event type, then fans the event out to matching
// subscriptions. A failing subscription is logged and skipped so one
// broken workflow cannot block its neighbours. Returns the IDs of the
// executions it created.
func (d *Dispatcher) HandleEvent(ctx context.Context, event model.Event) ([]string, error) {
	if event.Type == "" || event.TenantID == "" {
		return nil, model.NewBadRequestError("event requires type and tenant_id")
	}

	logger := d.logger.With(
		zap.String("tenant_id", event.TenantID),
		zap.String("event_type", event.Type),
	)
	d.metrics.RecordEventReceived(event.Type)

	d.releaseWaiting(ctx, event, logger)

	subs, err := d.defs.FindSubscriptions(ctx, event.TenantID, event.Type)
	if err != nil {
		return nil, err
	}

	var created []string
	for _, sub := range subs {
		if sub.SourceModule != "" && sub.SourceModule != event.SourceModule {
			continue
		}
		if !template.EvalFilter(sub.Filter, event.Payload) {
			continue
		}
		d.metrics.RecordSubscriptionMatch(event.Type)

		execID, err := d.startFromSubscription(ctx, sub, event)
		if err != nil {
			logger.Warn("subscription dispatch failed",
				zap.String("subscription_id", sub.ID),
				zap.String("workflow_id", sub.WorkflowID),
				zap.Error(err),
			)
			continue
		}
		created = append(created, execID)

		if err := d.defs.IncrementSubscriptionHit(ctx, sub.ID, d.now()); err != nil {
			logger.Warn("increment subscription hit failed",
				zap.String("subscription_id", sub.ID), zap.Error(err))
		}
	}

	logger.Info("event dispatched",
		zap.Int("subscriptions", len(subs)),
		zap.Int("executions_created", len(created)),
	)
	return created, nil
}

// releaseWaiting hands the event payload to executions parked on this
// event type and requeues them. The engine consumes the payload when it
// re-enters the wait step.
func (d *Dispatcher) releaseWaiting(ctx context.Context, event model.Event, logger *zap.Logger) {
	waiting, err := d.execs.FindWaiting(ctx, event.TenantID, event.Type)
	if err != nil {
		logger.Error("find waiting executions failed", zap.Error(err))
		return
	}

	for _, exec := range waiting {
		if exec.Context == nil {
			exec.Context = make(map[string]any)
		}
		exec.Context[model.ContextKeyWaitEvent] = event.Payload
		exec.Status = model.ExecutionPending
		if err := d.execs.Update(ctx, exec); err != nil {
			// A concurrent claim or cancel got there first.
			logger.Warn("release waiting execution failed",
				zap.String("execution_id", exec.ID), zap.Error(err))
			continue
		}
		logger.Info("released waiting execution", zap.String("execution_id", exec.ID))
	}
}

func (d *Dispatcher) startFromSubscription(ctx context.Context, sub model.EventSubscription, event model.Event) (string, error) {
	def, err := d.defs.Get(ctx, sub.TenantID, sub.WorkflowID)
	if err != nil {
		return "", err
	}
	if !def.IsActive {
		return "", model.NewDefinitionInactiveError(
			fmt.Sprintf("workflow %q is inactive", def.ID),
		)
	}
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return d.createExecution(ctx, def, model.TriggerEvent, payload)
}

// RunDue fires every schedule-triggered definition whose next run time
// has arrived, creating one execution per firing. Returns the IDs of
// the executions it created.
func (d *Dispatcher) RunDue(ctx context.Context, now time.Time) ([]string, error) {
	due, err := d.defs.FindDueSchedules(ctx, now)
	if err != nil {
		return nil, err
	}

	var created []string
	for _, def := range due {
		execID, err := d.createExecution(ctx, def, model.TriggerSchedule, map[string]any{
			"scheduled_at": now.Format(time.RFC3339),
		})
		if err != nil {
			d.logger.Warn("scheduled dispatch failed",
				zap.String("workflow_id", def.ID), zap.Error(err))
		} else {
			created = append(created, execID)
		}

		// Advance the schedule even when this firing failed, otherwise a
		// broken definition fires on every sweep.
		next, err := definition.NextCronRun(def.TriggerConfig.Schedule, now)
		if err != nil {
			d.logger.Error("compute next cron run failed",
				zap.String("workflow_id", def.ID), zap.Error(err))
			continue
		}
		if err := d.defs.UpdateNextRun(ctx, def.ID, next); err != nil {
			d.logger.Error("update next run failed",
				zap.String("workflow_id", def.ID), zap.Error(err))
		}
	}
	return created, nil
}

// TriggerManual starts one execution of the definition on demand.
func (d *Dispatcher) TriggerManual(ctx context.Context, rctx *model.RequestContext, defID string, payload map[string]any) (string, error) {
	def, err := d.defs.Get(ctx, rctx.TenantID, defID)
	if err != nil {
		return "", err
	}
	if !def.IsActive {
		return "", model.NewDefinitionInactiveError(
			fmt.Sprintf("workflow %q is inactive", def.ID),
		)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return d.createExecution(ctx, def, model.TriggerManual, payload)
}

// TriggerWebhook starts one execution from an inbound webhook delivery
// addressed by the definition's slug. The secret, when configured, must
// match the X-Hook-Secret header value passed in.
func (d *Dispatcher) TriggerWebhook(ctx context.Context, tenantID, slug, secret string, payload map[string]any) (string, error) {
	def, err := d.defs.GetBySlug(ctx, tenantID, slug)
	if err != nil {
		return "", err
	}
	if def.TriggerType != model.TriggerWebhook {
		return "", model.NewBadRequestError(
			fmt.Sprintf("workflow %q is not webhook-triggered", slug),
		)
	}
	if cfg := def.TriggerConfig.Webhook; cfg != nil && cfg.Secret != "" {
		if subtle.ConstantTimeCompare([]byte(cfg.Secret), []byte(secret)) != 1 {
			return "", model.NewUnauthorizedError("webhook secret mismatch")
		}
	}
	if !def.IsActive {
		return "", model.NewDefinitionInactiveError(
			fmt.Sprintf("workflow %q is inactive", def.ID),
		)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return d.createExecution(ctx, def, model.TriggerWebhook, payload)
}

// Retry starts a fresh execution of a failed or timed-out run with the
// same trigger data, linked to its parent. Checkpointed state is not
// carried over; the retry starts from the first step.
func (d *Dispatcher) Retry(ctx context.Context, rctx *model.RequestContext, execID string) (string, error) {
	parent, err := d.execs.Get(ctx, rctx.TenantID, execID)
	if err != nil {
		return "", err
	}
	switch parent.Status {
	case model.ExecutionFailed, model.ExecutionTimedOut:
	default:
		return "", model.NewBadRequestError(
			fmt.Sprintf("execution %q is %s; only failed or timed-out executions can be retried", execID, parent.Status),
		)
	}

	def, err := d.defs.Get(ctx, rctx.TenantID, parent.WorkflowID)
	if err != nil {
		return "", err
	}

	now := d.now()
	exec := model.WorkflowExecution{
		ID:                uuid.NewString(),
		WorkflowID:        def.ID,
		TenantID:          def.TenantID,
		Status:            model.ExecutionPending,
		TriggerType:       parent.TriggerType,
		TriggerData:       parent.TriggerData,
		Context:           seedContext(def, parent.TriggerData),
		Attempt:           parent.Attempt + 1,
		ParentExecutionID: parent.ID,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := d.execs.Create(ctx, exec); err != nil {
		return "", err
	}
	d.metrics.RecordExecutionCreated(exec.TriggerType)

	d.logger.Info("execution retried",
		zap.String("tenant_id", def.TenantID),
		zap.String("workflow_id", def.ID),
		zap.String("execution_id", exec.ID),
		zap.String("parent_execution_id", parent.ID),
		zap.Int("attempt", exec.Attempt),
	)
	return exec.ID, nil
}

// createExecution applies the per-definition rate ceiling and persists
// a pending execution seeded with the trigger payload and the
// definition's variables.
func (d *Dispatcher) createExecution(ctx context.Context, def model.WorkflowDefinition, triggerType string, payload map[string]any) (string, error) {
	now := d.now()

	if def.MaxExecutionsPerHour > 0 {
		count, err := d.execs.CountCreatedSince(ctx, def.ID, now.Add(-time.Hour))
		if err != nil {
			return "", err
		}
		if count >= def.MaxExecutionsPerHour {
			d.metrics.RecordRateLimited(def.ID)
			return "", model.NewRateLimitedError(fmt.Sprintf(
				"workflow %q reached its ceiling of %d executions per hour",
				def.ID, def.MaxExecutionsPerHour,
			))
		}
	}

	exec := model.WorkflowExecution{
		ID:          uuid.NewString(),
		WorkflowID:  def.ID,
		TenantID:    def.TenantID,
		Status:      model.ExecutionPending,
		TriggerType: triggerType,
		TriggerData: payload,
		Context:     seedContext(def, payload),
		Attempt:     1,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.execs.Create(ctx, exec); err != nil {
		return "", err
	}
	d.metrics.RecordExecutionCreated(triggerType)

	d.logger.Info("execution created",
		zap.String("tenant_id", def.TenantID),
		zap.String("workflow_id", def.ID),
		zap.String("execution_id", exec.ID),
		zap.String("trigger_type", triggerType),
	)
	return exec.ID, nil
}

// seedContext builds the initial execution context: the trigger payload
// plus the definition's variables.
func seedContext(def model.WorkflowDefinition, payload map[string]any) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	vars := make(map[string]any, len(def.Variables))
	for _, v := range def.Variables {
		vars[v.Key] = v.Value
	}
	return map[string]any{
		model.ContextKeyTrigger:   payload,
		model.ContextKeySteps:     map[string]any{},
		model.ContextKeyVariables: vars,
	}
}
