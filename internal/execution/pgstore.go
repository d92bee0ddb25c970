package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/kazi/model"
)

// PgStore is a PostgreSQL-backed execution Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL execution store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const executionColumns = `
	id, workflow_id, tenant_id, status, trigger_type, trigger_data,
	context, current_step, resume_at, wait_event_type,
	attempt, parent_execution_id, output, error,
	version, created_at, updated_at, started_at, finished_at`

// Create persists a new execution.
func (s *PgStore) Create(ctx context.Context, exec model.WorkflowExecution) error {
	triggerJSON, contextJSON, outputJSON, err := marshalPayloads(exec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19
		)`,
		exec.ID, exec.WorkflowID, exec.TenantID, exec.Status, exec.TriggerType, triggerJSON,
		contextJSON, exec.CurrentStep, exec.ResumeAt, exec.WaitEventType,
		exec.Attempt, exec.ParentExecutionID, outputJSON, exec.Error,
		exec.Version, exec.CreatedAt, exec.UpdatedAt, exec.StartedAt, exec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// Get retrieves an execution by ID, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, execID string) (model.WorkflowExecution, error) {
	exec, err := scanExecution(s.pool.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE id = $1 AND tenant_id = $2`,
		execID, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowExecution{}, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", execID),
		)
	}
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("query execution: %w", err)
	}
	return exec, nil
}

// List returns a tenant's executions, newest first.
func (s *PgStore) List(ctx context.Context, tenantID string, filters model.ExecutionFilters) ([]model.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + `
	          FROM workflow_executions
	          WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.WorkflowID != "" {
		query += fmt.Sprintf(" AND workflow_id = $%d", argIdx)
		args = append(args, filters.WorkflowID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryExecutions(ctx, query, args...)
}

// Claim transitions pending|paused to running in one guarded UPDATE.
func (s *PgStore) Claim(ctx context.Context, execID string) (model.WorkflowExecution, error) {
	now := time.Now().UTC()
	exec, err := scanExecution(s.pool.QueryRow(ctx, `
		UPDATE workflow_executions SET
			status = 'running',
			version = version + 1,
			updated_at = $1,
			started_at = COALESCE(started_at, $1)
		WHERE id = $2 AND status IN ('pending', 'paused')
		RETURNING `+executionColumns,
		now, execID,
	))
	if !errors.Is(err, pgx.ErrNoRows) {
		if err != nil {
			return model.WorkflowExecution{}, fmt.Errorf("claim execution: %w", err)
		}
		return exec, nil
	}

	// Claim missed: distinguish absent, already running, and terminal.
	var status string
	err = s.pool.QueryRow(ctx, `
		SELECT status FROM workflow_executions WHERE id = $1`, execID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowExecution{}, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", execID),
		)
	}
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("query execution status: %w", err)
	}
	if status == model.ExecutionRunning {
		return model.WorkflowExecution{}, model.NewExecutionClaimedError(
			fmt.Sprintf("execution %q already claimed", execID),
		)
	}
	return model.WorkflowExecution{}, model.NewExecutionNotActiveError(
		fmt.Sprintf("execution %q is %s", execID, status),
	)
}

// Update persists execution state with optimistic locking.
func (s *PgStore) Update(ctx context.Context, exec model.WorkflowExecution) error {
	contextJSON, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	outputJSON, err := json.Marshal(exec.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET
			status = $1,
			context = $2,
			current_step = $3,
			resume_at = $4,
			wait_event_type = $5,
			output = $6,
			error = $7,
			version = $8,
			updated_at = $9,
			finished_at = $10
		WHERE id = $11 AND version = $12`,
		exec.Status, contextJSON, exec.CurrentStep, exec.ResumeAt, exec.WaitEventType,
		outputJSON, exec.Error, exec.Version+1, time.Now().UTC(), exec.FinishedAt,
		exec.ID, exec.Version,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf(
			"execution %q version conflict (expected %d)", exec.ID, exec.Version,
		))
	}
	return nil
}

// Cancel transitions pending|running|paused to cancelled.
func (s *PgStore) Cancel(ctx context.Context, tenantID, execID string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET
			status = 'cancelled',
			version = version + 1,
			updated_at = $1,
			finished_at = $1
		WHERE id = $2 AND tenant_id = $3
		  AND status IN ('pending', 'running', 'paused')`,
		now, execID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("cancel execution: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx, `
		SELECT status FROM workflow_executions WHERE id = $1 AND tenant_id = $2`,
		execID, tenantID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewNotFoundError(fmt.Sprintf("execution %q not found", execID))
	}
	if err != nil {
		return fmt.Errorf("query execution status: %w", err)
	}
	return model.NewExecutionNotActiveError(
		fmt.Sprintf("execution %q is already %s", execID, status),
	)
}

// AppendStepLog records one step attempt.
func (s *PgStore) AppendStepLog(ctx context.Context, log model.StepExecutionLog) error {
	inputJSON, err := json.Marshal(log.Input)
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}
	outputJSON, err := json.Marshal(log.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO step_execution_logs (
			id, execution_id, step_id, step_name, position, attempt,
			status, input, output, error, started_at, finished_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		log.ID, log.ExecutionID, log.StepID, log.StepName, log.Position, log.Attempt,
		log.Status, inputJSON, outputJSON, log.Error, log.StartedAt, log.FinishedAt, log.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert step log: %w", err)
	}
	return nil
}

// ListStepLogs returns an execution's step logs in start order.
func (s *PgStore) ListStepLogs(ctx context.Context, tenantID, execID string) ([]model.StepExecutionLog, error) {
	if _, err := s.Get(ctx, tenantID, execID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, step_id, step_name, position, attempt,
		       status, input, output, error, started_at, finished_at, duration_ms
		FROM step_execution_logs
		WHERE execution_id = $1
		ORDER BY started_at ASC`,
		execID,
	)
	if err != nil {
		return nil, fmt.Errorf("query step logs: %w", err)
	}
	defer rows.Close()

	var logs []model.StepExecutionLog
	for rows.Next() {
		var log model.StepExecutionLog
		var inputJSON, outputJSON []byte
		if err := rows.Scan(
			&log.ID, &log.ExecutionID, &log.StepID, &log.StepName, &log.Position, &log.Attempt,
			&log.Status, &inputJSON, &outputJSON, &log.Error, &log.StartedAt, &log.FinishedAt, &log.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("scan step log: %w", err)
		}
		if inputJSON != nil {
			_ = json.Unmarshal(inputJSON, &log.Input)
		}
		if outputJSON != nil {
			_ = json.Unmarshal(outputJSON, &log.Output)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// FindPending returns IDs of pending executions, oldest first.
func (s *PgStore) FindPending(ctx context.Context, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM workflow_executions
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`,
		nonZeroLimit(limit),
	)
}

// FindDuePaused returns IDs of paused executions due for resumption.
func (s *PgStore) FindDuePaused(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM workflow_executions
		WHERE status = 'paused' AND resume_at IS NOT NULL AND resume_at <= $1
		ORDER BY resume_at ASC
		LIMIT $2`,
		now, nonZeroLimit(limit),
	)
}

// FindWaiting returns executions paused on the given event type.
func (s *PgStore) FindWaiting(ctx context.Context, tenantID, eventType string) ([]model.WorkflowExecution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE status = 'paused' AND tenant_id = $1 AND wait_event_type = $2
		ORDER BY created_at ASC`,
		tenantID, eventType,
	)
}

// FindStaleRunning returns running executions not updated since cutoff.
func (s *PgStore) FindStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM workflow_executions
		WHERE status = 'running' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`,
		cutoff, nonZeroLimit(limit),
	)
}

// Requeue transitions running back to pending.
func (s *PgStore) Requeue(ctx context.Context, execID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET
			status = 'pending',
			version = version + 1,
			updated_at = $1
		WHERE id = $2 AND status = 'running'`,
		time.Now().UTC(), execID,
	)
	if err != nil {
		return fmt.Errorf("requeue execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewExecutionNotActiveError(
			fmt.Sprintf("execution %q is not running", execID),
		)
	}
	return nil
}

// CountCreatedSince counts one definition's executions created at or
// after the given time.
func (s *PgStore) CountCreatedSince(ctx context.Context, workflowID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM workflow_executions
		WHERE workflow_id = $1 AND created_at >= $2`,
		workflowID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return count, nil
}

// DeleteByWorkflow removes a definition's executions and their step
// logs.
func (s *PgStore) DeleteByWorkflow(ctx context.Context, tenantID, workflowID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM step_execution_logs
		WHERE execution_id IN (
			SELECT id FROM workflow_executions
			WHERE tenant_id = $1 AND workflow_id = $2
		)`,
		tenantID, workflowID,
	)
	if err != nil {
		return fmt.Errorf("delete step logs: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		DELETE FROM workflow_executions
		WHERE tenant_id = $1 AND workflow_id = $2`,
		tenantID, workflowID,
	)
	if err != nil {
		return fmt.Errorf("delete executions: %w", err)
	}
	return nil
}

func (s *PgStore) queryExecutions(ctx context.Context, query string, args ...any) ([]model.WorkflowExecution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var execs []model.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *PgStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query execution ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	var triggerJSON, contextJSON, outputJSON []byte

	err := row.Scan(
		&exec.ID, &exec.WorkflowID, &exec.TenantID, &exec.Status, &exec.TriggerType, &triggerJSON,
		&contextJSON, &exec.CurrentStep, &exec.ResumeAt, &exec.WaitEventType,
		&exec.Attempt, &exec.ParentExecutionID, &outputJSON, &exec.Error,
		&exec.Version, &exec.CreatedAt, &exec.UpdatedAt, &exec.StartedAt, &exec.FinishedAt,
	)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	if triggerJSON != nil {
		_ = json.Unmarshal(triggerJSON, &exec.TriggerData)
	}
	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &exec.Context); err != nil {
			return model.WorkflowExecution{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if outputJSON != nil {
		_ = json.Unmarshal(outputJSON, &exec.Output)
	}
	return exec, nil
}

func marshalPayloads(exec model.WorkflowExecution) (trigger, context, output []byte, err error) {
	if trigger, err = json.Marshal(exec.TriggerData); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal trigger data: %w", err)
	}
	if context, err = json.Marshal(exec.Context); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal context: %w", err)
	}
	if output, err = json.Marshal(exec.Output); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal output: %w", err)
	}
	return trigger, context, output, nil
}

func nonZeroLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
