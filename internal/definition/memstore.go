package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/kazi/model"
)

// MemoryStore is an in-memory Store for testing and single-binary
// deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]model.WorkflowDefinition // key: definition ID
}

// NewMemoryStore creates a new in-memory definition store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]model.WorkflowDefinition)}
}

// Create persists a new definition.
func (s *MemoryStore) Create(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[def.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow definition %q already exists", def.ID))
	}
	for _, existing := range s.defs {
		if existing.TenantID == def.TenantID && existing.Slug == def.Slug {
			return model.NewConflictError(fmt.Sprintf("slug %q already in use", def.Slug))
		}
	}

	s.defs[def.ID] = cloneDefinition(def)
	return nil
}

// Get retrieves a definition by ID, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, defID string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.defs[defID]
	if !exists || def.TenantID != tenantID {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", defID),
		)
	}
	return cloneDefinition(def), nil
}

// GetBySlug retrieves a definition by its tenant-unique slug.
func (s *MemoryStore) GetBySlug(_ context.Context, tenantID, slug string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, def := range s.defs {
		if def.TenantID == tenantID && def.Slug == slug {
			return cloneDefinition(def), nil
		}
	}
	return model.WorkflowDefinition{}, model.NewNotFoundError(
		fmt.Sprintf("workflow definition with slug %q not found", slug),
	)
}

// Update persists an updated definition with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.defs[def.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", def.ID))
	}
	if existing.Version != def.Version {
		return model.NewConflictError(fmt.Sprintf(
			"workflow definition %q version conflict (expected %d, got %d)",
			def.ID, def.Version, existing.Version,
		))
	}

	def.Version++
	def.UpdatedAt = time.Now().UTC()
	// Counters are owned by the increment methods, never by Update.
	def.TotalRuns = existing.TotalRuns
	def.SuccessRuns = existing.SuccessRuns
	def.FailedRuns = existing.FailedRuns
	def.LastError = existing.LastError
	def.LastRunAt = existing.LastRunAt
	s.defs[def.ID] = cloneDefinition(def)
	return nil
}

// Delete removes a definition and all of its children.
func (s *MemoryStore) Delete(_ context.Context, tenantID, defID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, exists := s.defs[defID]
	if !exists || def.TenantID != tenantID {
		return model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", defID))
	}
	delete(s.defs, defID)
	return nil
}

// List returns a tenant's definitions, newest first.
func (s *MemoryStore) List(_ context.Context, tenantID string, filters Filters) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowDefinition
	for _, def := range s.defs {
		if def.TenantID != tenantID {
			continue
		}
		if filters.TriggerType != "" && def.TriggerType != filters.TriggerType {
			continue
		}
		if filters.IsActive != nil && def.IsActive != *filters.IsActive {
			continue
		}
		if filters.Category != "" && def.Category != filters.Category {
			continue
		}
		result = append(result, cloneDefinition(def))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowDefinition{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// FindSubscriptions returns active subscriptions for the tenant and
// event type.
func (s *MemoryStore) FindSubscriptions(_ context.Context, tenantID, eventType string) ([]model.EventSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.EventSubscription
	for _, def := range s.defs {
		if def.TenantID != tenantID {
			continue
		}
		for _, sub := range def.Subscriptions {
			if sub.IsActive && sub.EventType == eventType {
				result = append(result, sub)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// FindDueSchedules returns active schedule definitions due at or before
// now.
func (s *MemoryStore) FindDueSchedules(_ context.Context, now time.Time) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowDefinition
	for _, def := range s.defs {
		if !def.IsActive || def.TriggerType != model.TriggerSchedule {
			continue
		}
		if def.NextRunAt == nil || def.NextRunAt.After(now) {
			continue
		}
		result = append(result, cloneDefinition(def))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextRunAt.Before(*result[j].NextRunAt)
	})
	return result, nil
}

// UpdateNextRun sets a definition's next scheduled firing time.
func (s *MemoryStore) UpdateNextRun(_ context.Context, defID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, exists := s.defs[defID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", defID))
	}
	def.NextRunAt = &next
	s.defs[defID] = def
	return nil
}

// IncrementRunCounters bumps the definition's aggregate run counters.
func (s *MemoryStore) IncrementRunCounters(_ context.Context, defID string, success bool, lastErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, exists := s.defs[defID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", defID))
	}
	def.TotalRuns++
	if success {
		def.SuccessRuns++
	} else {
		def.FailedRuns++
		def.LastError = lastErr
	}
	def.LastRunAt = &at
	s.defs[defID] = def
	return nil
}

// IncrementSubscriptionHit bumps a subscription's hit counter.
func (s *MemoryStore) IncrementSubscriptionHit(_ context.Context, subID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for defID, def := range s.defs {
		for i := range def.Subscriptions {
			if def.Subscriptions[i].ID == subID {
				def.Subscriptions[i].HitCount++
				def.Subscriptions[i].LastMatchedAt = &at
				s.defs[defID] = def
				return nil
			}
		}
	}
	return model.NewNotFoundError(fmt.Sprintf("subscription %q not found", subID))
}

// Len returns the total number of definitions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.defs)
}

// cloneDefinition copies the definition and its child slices so callers
// can't mutate stored state through shared backing arrays.
func cloneDefinition(def model.WorkflowDefinition) model.WorkflowDefinition {
	out := def
	out.Steps = append([]model.WorkflowStep(nil), def.Steps...)
	out.Subscriptions = append([]model.EventSubscription(nil), def.Subscriptions...)
	out.Variables = append([]model.WorkflowVariable(nil), def.Variables...)
	out.Tags = append([]string(nil), def.Tags...)
	return out
}
