package definition

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/kazi/model"
)

func testDef(id, tenant, slug string) model.WorkflowDefinition {
	now := time.Now().UTC()
	return model.WorkflowDefinition{
		ID:          id,
		TenantID:    tenant,
		Name:        "Test " + slug,
		Slug:        slug,
		TriggerType: model.TriggerManual,
		IsActive:    true,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemoryStore_createGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	def := testDef("d1", "t1", "welcome")
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, "t1", "d1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Slug != "welcome" {
		t.Errorf("Slug = %q, want %q", got.Slug, "welcome")
	}

	// Wrong tenant must look like absence.
	if _, err := s.Get(ctx, "t2", "d1"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("cross-tenant Get error = %v, want NOT_FOUND", err)
	}

	if err := s.Delete(ctx, "t1", "d1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "t1", "d1"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Get after delete error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_slugConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, testDef("d1", "t1", "welcome")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx, testDef("d2", "t1", "welcome"))
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("duplicate slug error = %v, want CONFLICT", err)
	}
	// Same slug in another tenant is fine.
	if err := s.Create(ctx, testDef("d3", "t2", "welcome")); err != nil {
		t.Errorf("cross-tenant slug: %v", err)
	}
}

func TestMemoryStore_updateOptimisticLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	def := testDef("d1", "t1", "welcome")
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create: %v", err)
	}

	def.Name = "Renamed"
	if err := s.Update(ctx, def); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Stale version must conflict.
	def.Name = "Renamed again"
	err := s.Update(ctx, def)
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("stale Update error = %v, want CONFLICT", err)
	}

	got, _ := s.Get(ctx, "t1", "d1")
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if got.Name != "Renamed" {
		t.Errorf("Name = %q, want %q", got.Name, "Renamed")
	}
}

func TestMemoryStore_updatePreservesCounters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	def := testDef("d1", "t1", "welcome")
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.IncrementRunCounters(ctx, "d1", true, "", time.Now().UTC()); err != nil {
		t.Fatalf("IncrementRunCounters: %v", err)
	}

	def.Name = "Renamed"
	if err := s.Update(ctx, def); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := s.Get(ctx, "t1", "d1")
	if got.TotalRuns != 1 || got.SuccessRuns != 1 {
		t.Errorf("counters = (%d,%d), want (1,1)", got.TotalRuns, got.SuccessRuns)
	}
}

func TestMemoryStore_findSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	def := testDef("d1", "t1", "deals")
	def.Subscriptions = []model.EventSubscription{
		{ID: "sub1", EventType: "deal.stage_changed", IsActive: true},
		{ID: "sub2", EventType: "deal.stage_changed", IsActive: false},
		{ID: "sub3", EventType: "contact.created", IsActive: true},
	}
	if err := s.Create(ctx, def); err != nil {
		t.Fatalf("Create: %v", err)
	}

	subs, err := s.FindSubscriptions(ctx, "t1", "deal.stage_changed")
	if err != nil {
		t.Fatalf("FindSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "sub1" {
		t.Errorf("subs = %+v, want only active sub1", subs)
	}

	if err := s.IncrementSubscriptionHit(ctx, "sub1", time.Now().UTC()); err != nil {
		t.Fatalf("IncrementSubscriptionHit: %v", err)
	}
	got, _ := s.Get(ctx, "t1", "d1")
	if got.Subscriptions[0].HitCount != 1 {
		t.Errorf("HitCount = %d, want 1", got.Subscriptions[0].HitCount)
	}
}

func TestMemoryStore_findDueSchedules(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	due := testDef("d1", "t1", "hourly")
	due.TriggerType = model.TriggerSchedule
	past := now.Add(-time.Minute)
	due.NextRunAt = &past

	future := testDef("d2", "t1", "daily")
	future.TriggerType = model.TriggerSchedule
	later := now.Add(time.Hour)
	future.NextRunAt = &later

	inactive := testDef("d3", "t1", "paused")
	inactive.TriggerType = model.TriggerSchedule
	inactive.IsActive = false
	inactive.NextRunAt = &past

	for _, def := range []model.WorkflowDefinition{due, future, inactive} {
		if err := s.Create(ctx, def); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	defs, err := s.FindDueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("FindDueSchedules: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "d1" {
		t.Errorf("due = %+v, want only d1", defs)
	}

	next := now.Add(time.Hour)
	if err := s.UpdateNextRun(ctx, "d1", next); err != nil {
		t.Fatalf("UpdateNextRun: %v", err)
	}
	defs, _ = s.FindDueSchedules(ctx, now)
	if len(defs) != 0 {
		t.Errorf("due after advance = %d, want 0", len(defs))
	}
}

func TestMemoryStore_listFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	manual := testDef("d1", "t1", "one")
	sched := testDef("d2", "t1", "two")
	sched.TriggerType = model.TriggerSchedule
	inactive := testDef("d3", "t1", "three")
	inactive.IsActive = false

	for _, def := range []model.WorkflowDefinition{manual, sched, inactive} {
		if err := s.Create(ctx, def); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	all, _ := s.List(ctx, "t1", Filters{})
	if len(all) != 3 {
		t.Errorf("List all = %d, want 3", len(all))
	}

	schedOnly, _ := s.List(ctx, "t1", Filters{TriggerType: model.TriggerSchedule})
	if len(schedOnly) != 1 || schedOnly[0].ID != "d2" {
		t.Errorf("schedule filter = %+v, want only d2", schedOnly)
	}

	active := true
	activeOnly, _ := s.List(ctx, "t1", Filters{IsActive: &active})
	if len(activeOnly) != 2 {
		t.Errorf("active filter = %d, want 2", len(activeOnly))
	}

	limited, _ := s.List(ctx, "t1", Filters{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit 1 = %d, want 1", len(limited))
	}
}
