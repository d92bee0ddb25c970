package definition

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

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const definitionColumns = `
	id, tenant_id, name, slug, description, category, tags,
	trigger_type, trigger_config, is_active,
	max_retries, timeout_seconds, max_executions_per_hour,
	total_runs, success_runs, failed_runs, last_error, last_run_at,
	next_run_at, version, created_at, updated_at`

// Create inserts a definition and its children in one transaction.
func (s *PgStore) Create(ctx context.Context, def model.WorkflowDefinition) error {
	triggerJSON, err := json.Marshal(def.TriggerConfig)
	if err != nil {
		return fmt.Errorf("marshal trigger config: %w", err)
	}
	tagsJSON, err := json.Marshal(def.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var taken bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM workflow_definitions WHERE tenant_id = $1 AND slug = $2
		)`, def.TenantID, def.Slug,
	).Scan(&taken)
	if err != nil {
		return fmt.Errorf("check slug: %w", err)
	}
	if taken {
		return model.NewConflictError(fmt.Sprintf("slug %q already in use", def.Slug))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_definitions (`+definitionColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22
		)`,
		def.ID, def.TenantID, def.Name, def.Slug, def.Description, def.Category, tagsJSON,
		def.TriggerType, triggerJSON, def.IsActive,
		def.MaxRetries, def.TimeoutSeconds, def.MaxExecutionsPerHour,
		def.TotalRuns, def.SuccessRuns, def.FailedRuns, def.LastError, def.LastRunAt,
		def.NextRunAt, def.Version, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow definition: %w", err)
	}

	if err := insertChildren(ctx, tx, def); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get retrieves a definition with children, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, defID string) (model.WorkflowDefinition, error) {
	return s.getOne(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE id = $1 AND tenant_id = $2`,
		defID, tenantID,
	)
}

// GetBySlug retrieves a definition by its tenant-unique slug.
func (s *PgStore) GetBySlug(ctx context.Context, tenantID, slug string) (model.WorkflowDefinition, error) {
	return s.getOne(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE tenant_id = $1 AND slug = $2`,
		tenantID, slug,
	)
}

func (s *PgStore) getOne(ctx context.Context, query string, args ...any) (model.WorkflowDefinition, error) {
	def, err := scanDefinition(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError("workflow definition not found")
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query workflow definition: %w", err)
	}
	if err := s.loadChildren(ctx, &def); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return def, nil
}

// Update persists an updated definition with optimistic locking and
// replaces its children wholesale.
func (s *PgStore) Update(ctx context.Context, def model.WorkflowDefinition) error {
	triggerJSON, err := json.Marshal(def.TriggerConfig)
	if err != nil {
		return fmt.Errorf("marshal trigger config: %w", err)
	}
	tagsJSON, err := json.Marshal(def.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_definitions SET
			name = $1, slug = $2, description = $3, category = $4, tags = $5,
			trigger_type = $6, trigger_config = $7, is_active = $8,
			max_retries = $9, timeout_seconds = $10, max_executions_per_hour = $11,
			next_run_at = $12, version = $13, updated_at = $14
		WHERE id = $15 AND version = $16`,
		def.Name, def.Slug, def.Description, def.Category, tagsJSON,
		def.TriggerType, triggerJSON, def.IsActive,
		def.MaxRetries, def.TimeoutSeconds, def.MaxExecutionsPerHour,
		def.NextRunAt, def.Version+1, time.Now().UTC(),
		def.ID, def.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf(
			"workflow definition %q version conflict (expected %d)", def.ID, def.Version,
		))
	}

	for _, table := range []string{"workflow_steps", "event_subscriptions", "workflow_variables"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE workflow_id = $1`, def.ID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := insertChildren(ctx, tx, def); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Delete removes a definition and all of its children.
func (s *PgStore) Delete(ctx context.Context, tenantID, defID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM step_execution_logs
		WHERE execution_id IN (SELECT id FROM workflow_executions WHERE workflow_id = $1)`,
		defID); err != nil {
		return fmt.Errorf("clear step logs: %w", err)
	}
	for _, table := range []string{"workflow_executions", "workflow_steps", "event_subscriptions", "workflow_variables"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE workflow_id = $1`, defID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM workflow_definitions WHERE id = $1 AND tenant_id = $2`,
		defID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("delete workflow definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", defID))
	}
	return tx.Commit(ctx)
}

// List returns a tenant's definitions, newest first, without children.
func (s *PgStore) List(ctx context.Context, tenantID string, filters Filters) ([]model.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + `
	          FROM workflow_definitions
	          WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.TriggerType != "" {
		query += fmt.Sprintf(" AND trigger_type = $%d", argIdx)
		args = append(args, filters.TriggerType)
		argIdx++
	}
	if filters.IsActive != nil {
		query += fmt.Sprintf(" AND is_active = $%d", argIdx)
		args = append(args, *filters.IsActive)
		argIdx++
	}
	if filters.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, filters.Category)
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

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// FindSubscriptions returns active subscriptions for the tenant and
// event type.
func (s *PgStore) FindSubscriptions(ctx context.Context, tenantID, eventType string) ([]model.EventSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, tenant_id, event_type, source_module, filter,
		       is_active, hit_count, last_matched_at, created_at, updated_at
		FROM event_subscriptions
		WHERE tenant_id = $1 AND event_type = $2 AND is_active = true
		ORDER BY id`,
		tenantID, eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.EventSubscription
	for rows.Next() {
		var sub model.EventSubscription
		var filterJSON []byte
		if err := rows.Scan(
			&sub.ID, &sub.WorkflowID, &sub.TenantID, &sub.EventType, &sub.SourceModule, &filterJSON,
			&sub.IsActive, &sub.HitCount, &sub.LastMatchedAt, &sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if filterJSON != nil {
			_ = json.Unmarshal(filterJSON, &sub.Filter)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// FindDueSchedules returns active schedule definitions due at or before
// now, across all tenants.
func (s *PgStore) FindDueSchedules(ctx context.Context, now time.Time) ([]model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE is_active = true AND trigger_type = 'schedule'
		  AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var defs []model.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range defs {
		if err := s.loadChildren(ctx, &defs[i]); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// UpdateNextRun sets a definition's next scheduled firing time.
func (s *PgStore) UpdateNextRun(ctx context.Context, defID string, next time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_definitions SET next_run_at = $1 WHERE id = $2`,
		next, defID,
	)
	if err != nil {
		return fmt.Errorf("update next run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", defID))
	}
	return nil
}

// IncrementRunCounters bumps the aggregate counters with a SQL
// increment, never read-modify-write.
func (s *PgStore) IncrementRunCounters(ctx context.Context, defID string, success bool, lastErr string, at time.Time) error {
	var query string
	args := []any{at, defID}
	if success {
		query = `UPDATE workflow_definitions SET
			total_runs = total_runs + 1,
			success_runs = success_runs + 1,
			last_run_at = $1
			WHERE id = $2`
	} else {
		query = `UPDATE workflow_definitions SET
			total_runs = total_runs + 1,
			failed_runs = failed_runs + 1,
			last_run_at = $1,
			last_error = $3
			WHERE id = $2`
		args = append(args, lastErr)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("increment run counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", defID))
	}
	return nil
}

// IncrementSubscriptionHit bumps a subscription's hit counter.
func (s *PgStore) IncrementSubscriptionHit(ctx context.Context, subID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE event_subscriptions SET
			hit_count = hit_count + 1,
			last_matched_at = $1
		WHERE id = $2`,
		at, subID,
	)
	if err != nil {
		return fmt.Errorf("increment subscription hit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("subscription %q not found", subID))
	}
	return nil
}

func (s *PgStore) loadChildren(ctx context.Context, def *model.WorkflowDefinition) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, name, position, kind, config, input_mapping,
		       output_key, on_error, max_retries, retry_delay_seconds,
		       error_branch_step_id, created_at, updated_at
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY position ASC`,
		def.ID,
	)
	if err != nil {
		return fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step model.WorkflowStep
		var configJSON, mappingJSON []byte
		if err := rows.Scan(
			&step.ID, &step.WorkflowID, &step.Name, &step.Position, &step.Kind,
			&configJSON, &mappingJSON, &step.OutputKey, &step.OnError,
			&step.MaxRetries, &step.RetryDelaySeconds, &step.ErrorBranchStepID,
			&step.CreatedAt, &step.UpdatedAt,
		); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		if configJSON != nil {
			if err := json.Unmarshal(configJSON, &step.Config); err != nil {
				return fmt.Errorf("unmarshal step config: %w", err)
			}
		}
		if mappingJSON != nil {
			_ = json.Unmarshal(mappingJSON, &step.InputMapping)
		}
		def.Steps = append(def.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	subs, err := s.FindSubscriptionsForWorkflow(ctx, def.ID)
	if err != nil {
		return err
	}
	def.Subscriptions = subs

	varRows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, key, type, value, secret, created_at, updated_at
		FROM workflow_variables
		WHERE workflow_id = $1
		ORDER BY key ASC`,
		def.ID,
	)
	if err != nil {
		return fmt.Errorf("query variables: %w", err)
	}
	defer varRows.Close()

	for varRows.Next() {
		var v model.WorkflowVariable
		var valueJSON []byte
		if err := varRows.Scan(
			&v.ID, &v.WorkflowID, &v.Key, &v.Type, &valueJSON, &v.Secret,
			&v.CreatedAt, &v.UpdatedAt,
		); err != nil {
			return fmt.Errorf("scan variable: %w", err)
		}
		if valueJSON != nil {
			_ = json.Unmarshal(valueJSON, &v.Value)
		}
		def.Variables = append(def.Variables, v)
	}
	return varRows.Err()
}

// FindSubscriptionsForWorkflow returns every subscription of one
// definition, active or not.
func (s *PgStore) FindSubscriptionsForWorkflow(ctx context.Context, defID string) ([]model.EventSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, tenant_id, event_type, source_module, filter,
		       is_active, hit_count, last_matched_at, created_at, updated_at
		FROM event_subscriptions
		WHERE workflow_id = $1
		ORDER BY id`,
		defID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.EventSubscription
	for rows.Next() {
		var sub model.EventSubscription
		var filterJSON []byte
		if err := rows.Scan(
			&sub.ID, &sub.WorkflowID, &sub.TenantID, &sub.EventType, &sub.SourceModule, &filterJSON,
			&sub.IsActive, &sub.HitCount, &sub.LastMatchedAt, &sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if filterJSON != nil {
			_ = json.Unmarshal(filterJSON, &sub.Filter)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func insertChildren(ctx context.Context, tx pgx.Tx, def model.WorkflowDefinition) error {
	for _, step := range def.Steps {
		configJSON, err := json.Marshal(step.Config)
		if err != nil {
			return fmt.Errorf("marshal step config: %w", err)
		}
		mappingJSON, err := json.Marshal(step.InputMapping)
		if err != nil {
			return fmt.Errorf("marshal input mapping: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_steps (
				id, workflow_id, name, position, kind, config, input_mapping,
				output_key, on_error, max_retries, retry_delay_seconds,
				error_branch_step_id, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			step.ID, def.ID, step.Name, step.Position, step.Kind, configJSON, mappingJSON,
			step.OutputKey, step.OnError, step.MaxRetries, step.RetryDelaySeconds,
			step.ErrorBranchStepID, step.CreatedAt, step.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
	}

	for _, sub := range def.Subscriptions {
		filterJSON, err := json.Marshal(sub.Filter)
		if err != nil {
			return fmt.Errorf("marshal filter: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO event_subscriptions (
				id, workflow_id, tenant_id, event_type, source_module, filter,
				is_active, hit_count, last_matched_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			sub.ID, def.ID, def.TenantID, sub.EventType, sub.SourceModule, filterJSON,
			sub.IsActive, sub.HitCount, sub.LastMatchedAt, sub.CreatedAt, sub.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
	}

	for _, v := range def.Variables {
		valueJSON, err := json.Marshal(v.Value)
		if err != nil {
			return fmt.Errorf("marshal variable value: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_variables (
				id, workflow_id, key, type, value, secret, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			v.ID, def.ID, v.Key, v.Type, valueJSON, v.Secret, v.CreatedAt, v.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert variable: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var triggerJSON, tagsJSON []byte

	err := row.Scan(
		&def.ID, &def.TenantID, &def.Name, &def.Slug, &def.Description, &def.Category, &tagsJSON,
		&def.TriggerType, &triggerJSON, &def.IsActive,
		&def.MaxRetries, &def.TimeoutSeconds, &def.MaxExecutionsPerHour,
		&def.TotalRuns, &def.SuccessRuns, &def.FailedRuns, &def.LastError, &def.LastRunAt,
		&def.NextRunAt, &def.Version, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if triggerJSON != nil {
		if err := json.Unmarshal(triggerJSON, &def.TriggerConfig); err != nil {
			return model.WorkflowDefinition{}, fmt.Errorf("unmarshal trigger config: %w", err)
		}
	}
	if tagsJSON != nil {
		_ = json.Unmarshal(tagsJSON, &def.Tags)
	}
	return def, nil
}
