// Package definition owns workflow definitions: persistence, save-time
// validation, and the queries the dispatcher needs to match triggers.
package definition

import (
	"context"
	"time"

	"github.com/pitabwire/kazi/model"
)

// Store persists workflow definitions together with their steps,
// subscriptions, and variables.
type Store interface {
	// Create persists a new definition with its nested children.
	// Returns CONFLICT if the slug is already taken within the tenant.
	Create(ctx context.Context, def model.WorkflowDefinition) error

	// Get retrieves a definition by ID, scoped to a tenant, with steps,
	// subscriptions, and variables loaded. Returns NOT_FOUND if the
	// definition doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, defID string) (model.WorkflowDefinition, error)

	// GetBySlug retrieves a definition by its tenant-unique slug.
	GetBySlug(ctx context.Context, tenantID, slug string) (model.WorkflowDefinition, error)

	// Update persists an updated definition with optimistic locking. The
	// version must match the stored version; returns CONFLICT otherwise.
	// Nested children are replaced wholesale.
	Update(ctx context.Context, def model.WorkflowDefinition) error

	// Delete removes a definition and all of its children.
	Delete(ctx context.Context, tenantID, defID string) error

	// List returns a tenant's definitions, newest first.
	List(ctx context.Context, tenantID string, filters Filters) ([]model.WorkflowDefinition, error)

	// FindSubscriptions returns active subscriptions for the given tenant
	// and event type.
	FindSubscriptions(ctx context.Context, tenantID, eventType string) ([]model.EventSubscription, error)

	// FindDueSchedules returns active schedule-triggered definitions whose
	// NextRunAt is at or before now, across all tenants.
	FindDueSchedules(ctx context.Context, now time.Time) ([]model.WorkflowDefinition, error)

	// UpdateNextRun sets a definition's next scheduled firing time.
	UpdateNextRun(ctx context.Context, defID string, next time.Time) error

	// IncrementRunCounters bumps the definition's aggregate run counters
	// atomically after a terminal execution.
	IncrementRunCounters(ctx context.Context, defID string, success bool, lastErr string, at time.Time) error

	// IncrementSubscriptionHit bumps a subscription's hit counter. Best
	// effort; duplicate increments are acceptable.
	IncrementSubscriptionHit(ctx context.Context, subID string, at time.Time) error
}

// Filters are optional filters for listing definitions.
type Filters struct {
	TriggerType string
	IsActive    *bool
	Category    string
	Limit       int
	Offset      int
}
