package model

import "time"

// Event is the platform event-bus ingestion contract. The dispatcher
// requires only this shape; how events are produced or transported is
// not its concern.
type Event struct {
	Type         string         `json:"type"`
	TenantID     string         `json:"tenant_id"`
	SourceModule string         `json:"source_module,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Filter operator constants for subscription filters and condition
// steps. An unrecognized operator falls back to strict equality.
const (
	OpEq       = "$eq"
	OpNe       = "$ne"
	OpGt       = "$gt"
	OpGte      = "$gte"
	OpLt       = "$lt"
	OpLte      = "$lte"
	OpContains = "$contains"
	OpIn       = "$in"
)

// EventSubscription binds a definition to an event type plus an optional
// structured filter over the payload.
//
// The filter maps dot-path fields to either a literal (strict equality)
// or an operator object, e.g. {"status": {"$eq": "won"}} or
// {"amount": {"$gt": 100}}. The special keys "$or" and "$and" hold lists
// of nested filters combined disjunctively or conjunctively; a flat map
// is a conjunction.
type EventSubscription struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	TenantID     string         `json:"tenant_id"`
	EventType    string         `json:"event_type"`
	SourceModule string         `json:"source_module,omitempty"`
	Filter       map[string]any `json:"filter,omitempty"`
	IsActive     bool           `json:"is_active"`

	// Observability only. At-least-once delivery means duplicate
	// increments are acceptable.
	HitCount      int64      `json:"hit_count"`
	LastMatchedAt *time.Time `json:"last_matched_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
