package action

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/kazi/model"
)

// RecordStore is the CRM surface the builtin record actions write to.
// The production wiring points this at the platform's CRM service; the
// in-memory implementation backs tests and single-binary deployments.
type RecordStore interface {
	// CreateRecord stores a new record of the given kind and returns its ID.
	CreateRecord(ctx context.Context, tenantID, kind string, fields map[string]any) (string, error)
	// UpdateRecord merges fields into an existing record.
	UpdateRecord(ctx context.Context, tenantID, kind, id string, fields map[string]any) error
	// GetRecord returns a copy of the record's fields.
	GetRecord(ctx context.Context, tenantID, kind, id string) (map[string]any, error)
}

// MemoryRecordStore is a mutex-guarded in-memory RecordStore keyed by
// tenant, kind and record ID.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]map[string]any
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]map[string]any)}
}

func recordKey(tenantID, kind, id string) string {
	return tenantID + "/" + kind + "/" + id
}

// CreateRecord stores a new record and returns its generated ID.
func (s *MemoryRecordStore) CreateRecord(_ context.Context, tenantID, kind string, fields map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	stored := make(map[string]any, len(fields))
	for k, v := range fields {
		stored[k] = v
	}
	s.records[recordKey(tenantID, kind, id)] = stored
	return id, nil
}

// UpdateRecord merges fields into an existing record.
func (s *MemoryRecordStore) UpdateRecord(_ context.Context, tenantID, kind, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[recordKey(tenantID, kind, id)]
	if !ok {
		return fmt.Errorf("record %s/%s not found", kind, id)
	}
	for k, v := range fields {
		stored[k] = v
	}
	return nil
}

// GetRecord returns a copy of the record's fields.
func (s *MemoryRecordStore) GetRecord(_ context.Context, tenantID, kind, id string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.records[recordKey(tenantID, kind, id)]
	if !ok {
		return nil, fmt.Errorf("record %s/%s not found", kind, id)
	}
	out := make(map[string]any, len(stored))
	for k, v := range stored {
		out[k] = v
	}
	return out, nil
}

// CreateContactAction creates a contact record from the resolved step
// input. Registered as "crm.create_contact".
type CreateContactAction struct {
	store RecordStore
}

// NewCreateContactAction wires the handler to a record store.
func NewCreateContactAction(store RecordStore) *CreateContactAction {
	return &CreateContactAction{store: store}
}

// Name returns "crm.create_contact".
func (a *CreateContactAction) Name() string { return "crm.create_contact" }

// Spec describes the handler for the action catalog.
func (a *CreateContactAction) Spec() model.ActionSpec {
	return model.ActionSpec{
		Name:        a.Name(),
		Category:    "crm",
		Description: "Create a contact record",
		InputFields: map[string]string{
			"email": "string",
			"name":  "string",
		},
		OutputFields: map[string]string{
			"contact_id": "string",
			"created_at": "string",
		},
	}
}

// Execute creates the contact. Every parameter except email is stored
// as-is on the record.
func (a *CreateContactAction) Execute(ctx context.Context, in model.ActionInput) model.ActionResult {
	email, err := stringParam(in.Params, "email")
	if err != nil {
		return model.Failed(err.Error())
	}

	fields := make(map[string]any, len(in.Params))
	for k, v := range in.Params {
		fields[k] = v
	}
	fields["email"] = email

	id, err := a.store.CreateRecord(ctx, in.TenantID, "contact", fields)
	if err != nil {
		return model.Failed(fmt.Sprintf("create contact: %v", err))
	}
	return model.Completed(map[string]any{
		"contact_id": id,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// UpdateRecordAction merges fields into an existing CRM record.
// Registered as "crm.update_record".
type UpdateRecordAction struct {
	store RecordStore
}

// NewUpdateRecordAction wires the handler to a record store.
func NewUpdateRecordAction(store RecordStore) *UpdateRecordAction {
	return &UpdateRecordAction{store: store}
}

// Name returns "crm.update_record".
func (a *UpdateRecordAction) Name() string { return "crm.update_record" }

// Spec describes the handler for the action catalog.
func (a *UpdateRecordAction) Spec() model.ActionSpec {
	return model.ActionSpec{
		Name:        a.Name(),
		Category:    "crm",
		Description: "Merge fields into an existing record",
		InputFields: map[string]string{
			"record_type": "string",
			"record_id":   "string",
			"fields":      "object",
		},
		OutputFields: map[string]string{
			"record_id": "string",
			"updated":   "boolean",
		},
	}
}

// Execute merges the given fields into the identified record.
func (a *UpdateRecordAction) Execute(ctx context.Context, in model.ActionInput) model.ActionResult {
	kind, err := stringParam(in.Params, "record_type")
	if err != nil {
		return model.Failed(err.Error())
	}
	id, err := stringParam(in.Params, "record_id")
	if err != nil {
		return model.Failed(err.Error())
	}
	fields, err := mapParam(in.Params, "fields")
	if err != nil {
		return model.Failed(err.Error())
	}

	if err := a.store.UpdateRecord(ctx, in.TenantID, kind, id, fields); err != nil {
		return model.Failed(fmt.Sprintf("update record: %v", err))
	}
	return model.Completed(map[string]any{
		"record_id": id,
		"updated":   true,
	})
}
