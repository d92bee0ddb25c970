// Package execution runs workflows: a checkpointed state machine over
// persisted executions, claimed atomically so concurrent engine
// instances never run the same execution twice at once.
package execution

import (
	"context"
	"time"

	"github.com/pitabwire/kazi/model"
)

// Store persists workflow executions and their step logs.
type Store interface {
	// Create persists a new execution.
	Create(ctx context.Context, exec model.WorkflowExecution) error

	// Get retrieves an execution by ID, scoped to a tenant.
	Get(ctx context.Context, tenantID, execID string) (model.WorkflowExecution, error)

	// List returns a tenant's executions, newest first.
	List(ctx context.Context, tenantID string, filters model.ExecutionFilters) ([]model.WorkflowExecution, error)

	// Claim transitions pending|paused to running atomically, guarded by
	// the stored version, and returns the claimed copy. Returns
	// EXECUTION_CLAIMED if another engine holds it running and
	// EXECUTION_NOT_ACTIVE if it is terminal.
	Claim(ctx context.Context, execID string) (model.WorkflowExecution, error)

	// Update persists execution state with optimistic locking. Every
	// checkpoint goes through here. Returns CONFLICT on version mismatch.
	Update(ctx context.Context, exec model.WorkflowExecution) error

	// Cancel transitions pending|running|paused to cancelled. The engine
	// observes cancellation at step boundaries. Returns
	// EXECUTION_NOT_ACTIVE if already terminal.
	Cancel(ctx context.Context, tenantID, execID string) error

	// AppendStepLog records one attempt of one step.
	AppendStepLog(ctx context.Context, log model.StepExecutionLog) error

	// ListStepLogs returns an execution's step logs in start order.
	ListStepLogs(ctx context.Context, tenantID, execID string) ([]model.StepExecutionLog, error)

	// FindPending returns IDs of pending executions, oldest first.
	FindPending(ctx context.Context, limit int) ([]string, error)

	// FindDuePaused returns IDs of paused executions whose ResumeAt is at
	// or before now.
	FindDuePaused(ctx context.Context, now time.Time, limit int) ([]string, error)

	// FindWaiting returns executions paused on the given event type for
	// the tenant.
	FindWaiting(ctx context.Context, tenantID, eventType string) ([]model.WorkflowExecution, error)

	// FindStaleRunning returns executions still marked running whose last
	// update is older than the cutoff. Crash recovery re-claims these.
	FindStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// Requeue transitions running back to pending so a stale execution
	// can be claimed again. Checkpoints make the replay at-least-once.
	Requeue(ctx context.Context, execID string) error

	// CountCreatedSince counts executions of one definition created at or
	// after the given time. Backs the hourly rate ceiling.
	CountCreatedSince(ctx context.Context, workflowID string, since time.Time) (int, error)

	// DeleteByWorkflow removes a definition's executions and their step
	// logs. Called when the definition itself is deleted.
	DeleteByWorkflow(ctx context.Context, tenantID, workflowID string) error
}
