package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/kazi/model"
)

// MemoryStore is an in-memory execution Store for testing and
// single-binary deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	execs map[string]model.WorkflowExecution  // key: execution ID
	logs  map[string][]model.StepExecutionLog // key: execution ID
}

// NewMemoryStore creates a new in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		execs: make(map[string]model.WorkflowExecution),
		logs:  make(map[string][]model.StepExecutionLog),
	}
}

// Create persists a new execution.
func (s *MemoryStore) Create(_ context.Context, exec model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.execs[exec.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("execution %q already exists", exec.ID))
	}
	s.execs[exec.ID] = cloneExecution(exec)
	return nil
}

// Get retrieves an execution by ID, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, execID string) (model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.execs[execID]
	if !exists || exec.TenantID != tenantID {
		return model.WorkflowExecution{}, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", execID),
		)
	}
	return cloneExecution(exec), nil
}

// List returns a tenant's executions, newest first.
func (s *MemoryStore) List(_ context.Context, tenantID string, filters model.ExecutionFilters) ([]model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowExecution
	for _, exec := range s.execs {
		if exec.TenantID != tenantID {
			continue
		}
		if filters.WorkflowID != "" && exec.WorkflowID != filters.WorkflowID {
			continue
		}
		if filters.Status != "" && exec.Status != filters.Status {
			continue
		}
		result = append(result, cloneExecution(exec))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowExecution{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Claim transitions pending|paused to running atomically.
func (s *MemoryStore) Claim(_ context.Context, execID string) (model.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.execs[execID]
	if !exists {
		return model.WorkflowExecution{}, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", execID),
		)
	}
	switch exec.Status {
	case model.ExecutionPending, model.ExecutionPaused:
	case model.ExecutionRunning:
		return model.WorkflowExecution{}, model.NewExecutionClaimedError(
			fmt.Sprintf("execution %q already claimed", execID),
		)
	default:
		return model.WorkflowExecution{}, model.NewExecutionNotActiveError(
			fmt.Sprintf("execution %q is %s", execID, exec.Status),
		)
	}

	now := time.Now().UTC()
	exec.Status = model.ExecutionRunning
	exec.Version++
	exec.UpdatedAt = now
	if exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	s.execs[execID] = exec
	return cloneExecution(exec), nil
}

// Update persists execution state with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, exec model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.execs[exec.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("execution %q not found", exec.ID))
	}
	if existing.Version != exec.Version {
		return model.NewConflictError(fmt.Sprintf(
			"execution %q version conflict (expected %d, got %d)",
			exec.ID, exec.Version, existing.Version,
		))
	}

	exec.Version++
	exec.UpdatedAt = time.Now().UTC()
	s.execs[exec.ID] = cloneExecution(exec)
	return nil
}

// Cancel transitions pending|running|paused to cancelled.
func (s *MemoryStore) Cancel(_ context.Context, tenantID, execID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.execs[execID]
	if !exists || exec.TenantID != tenantID {
		return model.NewNotFoundError(fmt.Sprintf("execution %q not found", execID))
	}
	if exec.IsTerminal() {
		return model.NewExecutionNotActiveError(
			fmt.Sprintf("execution %q is already %s", execID, exec.Status),
		)
	}

	now := time.Now().UTC()
	exec.Status = model.ExecutionCancelled
	exec.FinishedAt = &now
	exec.Version++
	exec.UpdatedAt = now
	s.execs[execID] = exec
	return nil
}

// AppendStepLog records one step attempt.
func (s *MemoryStore) AppendStepLog(_ context.Context, log model.StepExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Input = deepCopyMap(log.Input)
	log.Output = deepCopyMap(log.Output)
	s.logs[log.ExecutionID] = append(s.logs[log.ExecutionID], log)
	return nil
}

// ListStepLogs returns an execution's step logs in start order.
func (s *MemoryStore) ListStepLogs(_ context.Context, tenantID, execID string) ([]model.StepExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.execs[execID]
	if !exists || exec.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("execution %q not found", execID))
	}

	logs := s.logs[execID]
	result := make([]model.StepExecutionLog, len(logs))
	copy(result, logs)
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// FindPending returns IDs of pending executions, oldest first.
func (s *MemoryStore) FindPending(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []model.WorkflowExecution
	for _, exec := range s.execs {
		if exec.Status == model.ExecutionPending {
			pending = append(pending, exec)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return idsOf(pending, limit), nil
}

// FindDuePaused returns IDs of paused executions due for resumption.
func (s *MemoryStore) FindDuePaused(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []model.WorkflowExecution
	for _, exec := range s.execs {
		if exec.Status != model.ExecutionPaused {
			continue
		}
		if exec.ResumeAt == nil || exec.ResumeAt.After(now) {
			continue
		}
		due = append(due, exec)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ResumeAt.Before(*due[j].ResumeAt)
	})
	return idsOf(due, limit), nil
}

// FindWaiting returns executions paused on the given event type.
func (s *MemoryStore) FindWaiting(_ context.Context, tenantID, eventType string) ([]model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var waiting []model.WorkflowExecution
	for _, exec := range s.execs {
		if exec.Status != model.ExecutionPaused {
			continue
		}
		if exec.TenantID != tenantID || exec.WaitEventType != eventType {
			continue
		}
		waiting = append(waiting, cloneExecution(exec))
	}
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
	})
	return waiting, nil
}

// FindStaleRunning returns running executions not updated since cutoff.
func (s *MemoryStore) FindStaleRunning(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []model.WorkflowExecution
	for _, exec := range s.execs {
		if exec.Status != model.ExecutionRunning {
			continue
		}
		if !exec.UpdatedAt.Before(cutoff) {
			continue
		}
		stale = append(stale, exec)
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	return idsOf(stale, limit), nil
}

// Requeue transitions running back to pending.
func (s *MemoryStore) Requeue(_ context.Context, execID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.execs[execID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("execution %q not found", execID))
	}
	if exec.Status != model.ExecutionRunning {
		return model.NewExecutionNotActiveError(
			fmt.Sprintf("execution %q is %s, not running", execID, exec.Status),
		)
	}
	exec.Status = model.ExecutionPending
	exec.Version++
	exec.UpdatedAt = time.Now().UTC()
	s.execs[execID] = exec
	return nil
}

// CountCreatedSince counts one definition's executions created at or
// after the given time.
func (s *MemoryStore) CountCreatedSince(_ context.Context, workflowID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, exec := range s.execs {
		if exec.WorkflowID == workflowID && !exec.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// DeleteByWorkflow removes a definition's executions and their step
// logs.
func (s *MemoryStore) DeleteByWorkflow(_ context.Context, tenantID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, exec := range s.execs {
		if exec.WorkflowID == workflowID && exec.TenantID == tenantID {
			delete(s.execs, id)
			delete(s.logs, id)
		}
	}
	return nil
}

// Len returns the total number of executions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.execs)
}

// cloneExecution deep-copies the execution's mutable maps so callers
// never share backing storage with the stored copy. The engine mutates
// Context between checkpoints while HTTP readers marshal concurrently.
func cloneExecution(exec model.WorkflowExecution) model.WorkflowExecution {
	out := exec
	out.TriggerData = deepCopyMap(exec.TriggerData)
	out.Context = deepCopyMap(exec.Context)
	out.Output = deepCopyMap(exec.Output)
	return out
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = deepCopyValue(elem)
		}
		return out
	default:
		return t
	}
}

func idsOf(execs []model.WorkflowExecution, limit int) []string {
	if limit > 0 && limit < len(execs) {
		execs = execs[:limit]
	}
	ids := make([]string, len(execs))
	for i, exec := range execs {
		ids[i] = exec.ID
	}
	return ids
}
