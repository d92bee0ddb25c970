package definition

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/kazi/model"
)

// Service owns the definition lifecycle: validation, identifier
// assignment, child bookkeeping, and schedule bootstrapping.
type Service struct {
	store     Store
	validator *Validator
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a definition service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		validator: NewValidator(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Store exposes the underlying store for collaborators that only need
// reads (dispatcher, engine).
func (s *Service) Store() Store {
	return s.store
}

// Create validates and persists a new definition. Missing identifiers
// and timestamps are assigned; a missing slug is derived from the name.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	def.TenantID = rctx.TenantID
	if def.Slug == "" {
		def.Slug = Slugify(def.Name)
	}

	now := s.now()
	def.ID = uuid.NewString()
	def.Version = 1
	def.CreatedAt = now
	def.UpdatedAt = now
	s.stampChildren(&def, now)

	// Children are stamped first so freshly submitted steps carry the
	// identifiers and defaults the validator checks.
	if errs := s.validator.Validate(def); len(errs) > 0 {
		return model.WorkflowDefinition{}, model.NewValidationError(errs)
	}

	if def.TriggerType == model.TriggerSchedule {
		next, err := NextCronRun(def.TriggerConfig.Schedule, now)
		if err != nil {
			return model.WorkflowDefinition{}, model.NewBadRequestError(err.Error())
		}
		def.NextRunAt = &next
	}

	if err := s.store.Create(ctx, def); err != nil {
		return model.WorkflowDefinition{}, err
	}
	s.logger.Info("workflow definition created",
		zap.String("tenant_id", def.TenantID),
		zap.String("workflow_id", def.ID),
		zap.String("trigger_type", def.TriggerType),
	)
	return def, nil
}

// Update validates and persists a changed definition. The caller must
// supply the version it read; a mismatch surfaces as CONFLICT.
func (s *Service) Update(ctx context.Context, rctx *model.RequestContext, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	existing, err := s.store.Get(ctx, rctx.TenantID, def.ID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	def.TenantID = rctx.TenantID
	def.CreatedAt = existing.CreatedAt
	if def.Slug == "" {
		def.Slug = existing.Slug
	}

	now := s.now()
	def.UpdatedAt = now
	s.stampChildren(&def, now)

	if errs := s.validator.Validate(def); len(errs) > 0 {
		return model.WorkflowDefinition{}, model.NewValidationError(errs)
	}

	if def.TriggerType == model.TriggerSchedule {
		next, err := NextCronRun(def.TriggerConfig.Schedule, now)
		if err != nil {
			return model.WorkflowDefinition{}, model.NewBadRequestError(err.Error())
		}
		def.NextRunAt = &next
	} else {
		def.NextRunAt = nil
	}

	if err := s.store.Update(ctx, def); err != nil {
		return model.WorkflowDefinition{}, err
	}
	def.Version++
	return def, nil
}

// Get retrieves a definition with children.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, defID string) (model.WorkflowDefinition, error) {
	return s.store.Get(ctx, rctx.TenantID, defID)
}

// GetBySlug retrieves a definition by slug.
func (s *Service) GetBySlug(ctx context.Context, rctx *model.RequestContext, slug string) (model.WorkflowDefinition, error) {
	return s.store.GetBySlug(ctx, rctx.TenantID, slug)
}

// List returns the tenant's definitions.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext, filters Filters) ([]model.WorkflowDefinition, error) {
	return s.store.List(ctx, rctx.TenantID, filters)
}

// Delete removes a definition and everything under it.
func (s *Service) Delete(ctx context.Context, rctx *model.RequestContext, defID string) error {
	if err := s.store.Delete(ctx, rctx.TenantID, defID); err != nil {
		return err
	}
	s.logger.Info("workflow definition deleted",
		zap.String("tenant_id", rctx.TenantID),
		zap.String("workflow_id", defID),
	)
	return nil
}

// SetActive toggles a definition's active flag.
func (s *Service) SetActive(ctx context.Context, rctx *model.RequestContext, defID string, active bool) (model.WorkflowDefinition, error) {
	def, err := s.store.Get(ctx, rctx.TenantID, defID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	def.IsActive = active
	return s.Update(ctx, rctx, def)
}

// AddStep appends a step at the end of the workflow.
func (s *Service) AddStep(ctx context.Context, rctx *model.RequestContext, defID string, step model.WorkflowStep) (model.WorkflowDefinition, error) {
	def, err := s.store.Get(ctx, rctx.TenantID, defID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	step.ID = uuid.NewString()
	step.WorkflowID = defID
	step.Position = len(def.Steps)
	def.Steps = append(def.Steps, step)
	return s.Update(ctx, rctx, def)
}

// UpdateStep replaces one step in place, keeping its position.
func (s *Service) UpdateStep(ctx context.Context, rctx *model.RequestContext, defID string, step model.WorkflowStep) (model.WorkflowDefinition, error) {
	def, err := s.store.Get(ctx, rctx.TenantID, defID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	existing := def.StepByID(step.ID)
	if existing == nil {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("step %q not found", step.ID))
	}
	step.WorkflowID = defID
	step.Position = existing.Position
	step.CreatedAt = existing.CreatedAt
	*existing = step
	return s.Update(ctx, rctx, def)
}

// DeleteStep removes a step and closes the position gap.
func (s *Service) DeleteStep(ctx context.Context, rctx *model.RequestContext, defID, stepID string) (model.WorkflowDefinition, error) {
	def, err := s.store.Get(ctx, rctx.TenantID, defID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	idx := -1
	for i := range def.Steps {
		if def.Steps[i].ID == stepID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("step %q not found", stepID))
	}
	def.Steps = append(def.Steps[:idx], def.Steps[idx+1:]...)
	for i := range def.Steps {
		def.Steps[i].Position = i
	}
	return s.Update(ctx, rctx, def)
}

// ReorderSteps rewrites step positions to match the given ID order. The
// order must name every step exactly once.
func (s *Service) ReorderSteps(ctx context.Context, rctx *model.RequestContext, defID string, orderedIDs []string) (model.WorkflowDefinition, error) {
	def, err := s.store.Get(ctx, rctx.TenantID, defID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if len(orderedIDs) != len(def.Steps) {
		return model.WorkflowDefinition{}, model.NewBadRequestError(
			fmt.Sprintf("order must name all %d steps", len(def.Steps)),
		)
	}

	byID := make(map[string]model.WorkflowStep, len(def.Steps))
	for _, step := range def.Steps {
		byID[step.ID] = step
	}
	reordered := make([]model.WorkflowStep, 0, len(orderedIDs))
	for pos, id := range orderedIDs {
		step, ok := byID[id]
		if !ok {
			return model.WorkflowDefinition{}, model.NewBadRequestError(fmt.Sprintf("unknown step %q", id))
		}
		delete(byID, id)
		step.Position = pos
		reordered = append(reordered, step)
	}
	def.Steps = reordered
	return s.Update(ctx, rctx, def)
}

// UpsertSubscription adds or replaces an event subscription. Matching
// is by ID first, then by the (event type, source module) tuple, which
// is unique within a workflow.
func (s *Service) UpsertSubscription(ctx context.Context, rctx *model.RequestContext, defID string, sub model.EventSubscription) (model.WorkflowDefinition, error) {
	def, err := s.store.Get(ctx, rctx.TenantID, defID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	sub.WorkflowID = defID
	sub.TenantID = rctx.TenantID

	replaced := false
	for i := range def.Subscriptions {
		existing := def.Subscriptions[i]
		if existing.ID != sub.ID &&
			!(existing.EventType == sub.EventType && existing.SourceModule == sub.SourceModule) {
			continue
		}
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
		sub.HitCount = existing.HitCount
		sub.LastMatchedAt = existing.LastMatchedAt
		def.Subscriptions[i] = sub
		replaced = true
		break
	}
	if !replaced {
		sub.ID = uuid.NewString()
		def.Subscriptions = append(def.Subscriptions, sub)
	}
	return s.Update(ctx, rctx, def)
}

// DeleteSubscription removes an event subscription.
func (s *Service) DeleteSubscription(ctx context.Context, rctx *model.RequestContext, defID, subID string) (model.WorkflowDefinition, error) {
	def, err := s.store.Get(ctx, rctx.TenantID, defID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	for i := range def.Subscriptions {
		if def.Subscriptions[i].ID == subID {
			def.Subscriptions = append(def.Subscriptions[:i], def.Subscriptions[i+1:]...)
			return s.Update(ctx, rctx, def)
		}
	}
	return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("subscription %q not found", subID))
}

// UpsertVariable adds or replaces a workflow variable by key.
func (s *Service) UpsertVariable(ctx context.Context, rctx *model.RequestContext, defID string, v model.WorkflowVariable) (model.WorkflowDefinition, error) {
	def, err := s.store.Get(ctx, rctx.TenantID, defID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	v.WorkflowID = defID

	replaced := false
	for i := range def.Variables {
		if def.Variables[i].Key == v.Key {
			v.ID = def.Variables[i].ID
			v.CreatedAt = def.Variables[i].CreatedAt
			def.Variables[i] = v
			replaced = true
			break
		}
	}
	if !replaced {
		v.ID = uuid.NewString()
		def.Variables = append(def.Variables, v)
	}
	return s.Update(ctx, rctx, def)
}

// DeleteVariable removes a workflow variable by key.
func (s *Service) DeleteVariable(ctx context.Context, rctx *model.RequestContext, defID, key string) (model.WorkflowDefinition, error) {
	def, err := s.store.Get(ctx, rctx.TenantID, defID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	for i := range def.Variables {
		if def.Variables[i].Key == key {
			def.Variables = append(def.Variables[:i], def.Variables[i+1:]...)
			return s.Update(ctx, rctx, def)
		}
	}
	return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("variable %q not found", key))
}

// stampChildren assigns identifiers and timestamps to children that
// lack them.
func (s *Service) stampChildren(def *model.WorkflowDefinition, now time.Time) {
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.WorkflowID = def.ID
		if step.CreatedAt.IsZero() {
			step.CreatedAt = now
		}
		step.UpdatedAt = now
		if step.OnError == "" {
			step.OnError = model.OnErrorFail
		}
	}
	for i := range def.Subscriptions {
		sub := &def.Subscriptions[i]
		if sub.ID == "" {
			sub.ID = uuid.NewString()
		}
		sub.WorkflowID = def.ID
		sub.TenantID = def.TenantID
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = now
		}
		sub.UpdatedAt = now
	}
	for i := range def.Variables {
		v := &def.Variables[i]
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		v.WorkflowID = def.ID
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
		v.UpdatedAt = now
	}
}

// NextCronRun computes the next firing after the given time for a
// schedule config, honoring its timezone.
func NextCronRun(cfg *model.ScheduleTriggerConfig, after time.Time) (time.Time, error) {
	if cfg == nil || cfg.Cron == "" {
		return time.Time{}, fmt.Errorf("schedule trigger requires a cron expression")
	}
	sched, err := cron.ParseStandard(cfg.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", cfg.Cron, err)
	}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		after = after.In(loc)
	}
	return sched.Next(after).UTC(), nil
}

var slugCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL-safe slug from a human name.
func Slugify(name string) string {
	slug := slugCleaner.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}
