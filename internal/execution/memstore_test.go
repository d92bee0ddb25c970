package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pitabwire/kazi/model"
)

func testExec(id, tenant, workflow, status string) model.WorkflowExecution {
	now := time.Now().UTC()
	return model.WorkflowExecution{
		ID:          id,
		WorkflowID:  workflow,
		TenantID:    tenant,
		Status:      status,
		TriggerType: model.TriggerManual,
		Attempt:     1,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemoryStore_claimTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, testExec("e1", "t1", "w1", model.ExecutionPending)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := s.Claim(ctx, "e1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != model.ExecutionRunning {
		t.Errorf("Status = %q, want running", claimed.Status)
	}
	if claimed.StartedAt == nil {
		t.Error("StartedAt not set on first claim")
	}
	if claimed.Version != 2 {
		t.Errorf("Version = %d, want 2", claimed.Version)
	}

	// Second claim while running must report the holder.
	if _, err := s.Claim(ctx, "e1"); !model.IsCode(err, model.ErrExecutionClaimed) {
		t.Errorf("double Claim error = %v, want EXECUTION_CLAIMED", err)
	}
}

func TestMemoryStore_claimPausedKeepsStartedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	started := time.Now().UTC().Add(-time.Minute)
	exec := testExec("e1", "t1", "w1", model.ExecutionPaused)
	exec.StartedAt = &started
	if err := s.Create(ctx, exec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := s.Claim(ctx, "e1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !claimed.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want original %v", claimed.StartedAt, started)
	}
}

func TestMemoryStore_claimTerminalRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, testExec("e1", "t1", "w1", model.ExecutionCompleted)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Claim(ctx, "e1"); !model.IsCode(err, model.ErrExecutionNotActive) {
		t.Errorf("terminal Claim error = %v, want EXECUTION_NOT_ACTIVE", err)
	}
}

func TestMemoryStore_updateOptimisticLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, testExec("e1", "t1", "w1", model.ExecutionPending)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	exec, _ := s.Get(ctx, "t1", "e1")
	exec.CurrentStep = 1
	if err := s.Update(ctx, exec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// The stale copy must conflict.
	exec.CurrentStep = 2
	if err := s.Update(ctx, exec); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("stale Update error = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_cancel(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, testExec("e1", "t1", "w1", model.ExecutionPaused)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Cancel(ctx, "t1", "e1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	exec, _ := s.Get(ctx, "t1", "e1")
	if exec.Status != model.ExecutionCancelled {
		t.Errorf("Status = %q, want cancelled", exec.Status)
	}
	if exec.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}

	if err := s.Cancel(ctx, "t1", "e1"); !model.IsCode(err, model.ErrExecutionNotActive) {
		t.Errorf("double Cancel error = %v, want EXECUTION_NOT_ACTIVE", err)
	}
}

func TestMemoryStore_findQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	pending := testExec("e1", "t1", "w1", model.ExecutionPending)

	duePaused := testExec("e2", "t1", "w1", model.ExecutionPaused)
	past := now.Add(-time.Minute)
	duePaused.ResumeAt = &past

	laterPaused := testExec("e3", "t1", "w1", model.ExecutionPaused)
	future := now.Add(time.Hour)
	laterPaused.ResumeAt = &future

	waiting := testExec("e4", "t1", "w1", model.ExecutionPaused)
	waiting.WaitEventType = "invoice.paid"

	stale := testExec("e5", "t1", "w1", model.ExecutionRunning)
	stale.UpdatedAt = now.Add(-time.Hour)

	for _, exec := range []model.WorkflowExecution{pending, duePaused, laterPaused, waiting, stale} {
		if err := s.Create(ctx, exec); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	pendingIDs, _ := s.FindPending(ctx, 10)
	if len(pendingIDs) != 1 || pendingIDs[0] != "e1" {
		t.Errorf("FindPending = %v, want [e1]", pendingIDs)
	}

	dueIDs, _ := s.FindDuePaused(ctx, now, 10)
	if len(dueIDs) != 1 || dueIDs[0] != "e2" {
		t.Errorf("FindDuePaused = %v, want [e2]", dueIDs)
	}

	waitingExecs, _ := s.FindWaiting(ctx, "t1", "invoice.paid")
	if len(waitingExecs) != 1 || waitingExecs[0].ID != "e4" {
		t.Errorf("FindWaiting = %v, want [e4]", waitingExecs)
	}

	staleIDs, _ := s.FindStaleRunning(ctx, now.Add(-time.Minute), 10)
	if len(staleIDs) != 1 || staleIDs[0] != "e5" {
		t.Errorf("FindStaleRunning = %v, want [e5]", staleIDs)
	}
}

func TestMemoryStore_requeue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, testExec("e1", "t1", "w1", model.ExecutionRunning)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Requeue(ctx, "e1"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	exec, _ := s.Get(ctx, "t1", "e1")
	if exec.Status != model.ExecutionPending {
		t.Errorf("Status = %q, want pending", exec.Status)
	}

	if err := s.Requeue(ctx, "e1"); !model.IsCode(err, model.ErrExecutionNotActive) {
		t.Errorf("Requeue non-running error = %v, want EXECUTION_NOT_ACTIVE", err)
	}
}

func TestMemoryStore_countCreatedSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	recent := testExec("e1", "t1", "w1", model.ExecutionCompleted)
	recent.CreatedAt = now.Add(-10 * time.Minute)
	old := testExec("e2", "t1", "w1", model.ExecutionCompleted)
	old.CreatedAt = now.Add(-2 * time.Hour)
	other := testExec("e3", "t1", "w2", model.ExecutionCompleted)
	other.CreatedAt = now

	for _, exec := range []model.WorkflowExecution{recent, old, other} {
		if err := s.Create(ctx, exec); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	count, err := s.CountCreatedSince(ctx, "w1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountCreatedSince: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestMemoryStore_stepLogs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, testExec("e1", "t1", "w1", model.ExecutionRunning)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	base := time.Now().UTC()
	for i := 0; i < 2; i++ {
		if err := s.AppendStepLog(ctx, model.StepExecutionLog{
			ID:          string(rune('a' + i)),
			ExecutionID: "e1",
			Position:    i,
			Attempt:     1,
			Status:      model.StepLogCompleted,
			StartedAt:   base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendStepLog: %v", err)
		}
	}

	logs, err := s.ListStepLogs(ctx, "t1", "e1")
	if err != nil {
		t.Fatalf("ListStepLogs: %v", err)
	}
	if len(logs) != 2 || logs[0].Position != 0 || logs[1].Position != 1 {
		t.Errorf("logs = %+v, want two in start order", logs)
	}

	if _, err := s.ListStepLogs(ctx, "t2", "e1"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("cross-tenant ListStepLogs error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_handsOutIsolatedCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	exec := testExec("e1", "t1", "w1", model.ExecutionRunning)
	exec.Context = map[string]any{
		"steps": map[string]any{"first": map[string]any{"ok": true}},
	}
	if err := s.Create(ctx, exec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Mutating the caller's copy after Create must not reach the store.
	exec.Context["steps"].(map[string]any)["first"].(map[string]any)["ok"] = false

	got, err := s.Get(ctx, "t1", "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	first := got.Context["steps"].(map[string]any)["first"].(map[string]any)
	if first["ok"] != true {
		t.Errorf("stored context tainted through Create argument: %v", first["ok"])
	}

	// Mutating a returned copy must not reach the store either.
	first["ok"] = "tampered"
	again, err := s.Get(ctx, "t1", "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Context["steps"].(map[string]any)["first"].(map[string]any)["ok"] != true {
		t.Error("stored context tainted through a returned copy")
	}
}

func TestMemoryStore_concurrentCheckpointAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	exec := testExec("e1", "t1", "w1", model.ExecutionPending)
	exec.Context = map[string]any{"steps": map[string]any{}}
	if err := s.Create(ctx, exec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	claimed, err := s.Claim(ctx, "e1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// A checkpointing writer mutates its context between Updates while a
	// reader marshals fresh copies, the pattern an HTTP GET races against
	// the engine.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			claimed.StepOutputs()[fmt.Sprintf("s%d", i)] = map[string]any{"n": i}
			if err := s.Update(ctx, claimed); err != nil {
				t.Errorf("Update %d: %v", i, err)
				return
			}
			claimed.Version++
		}
	}()
	for i := 0; i < 200; i++ {
		got, err := s.Get(ctx, "t1", "e1")
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if _, err := json.Marshal(got); err != nil {
			t.Fatalf("Marshal %d: %v", i, err)
		}
	}
	<-done
}

func TestMemoryStore_deleteByWorkflow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, exec := range []model.WorkflowExecution{
		testExec("e1", "t1", "w1", model.ExecutionCompleted),
		testExec("e2", "t1", "w1", model.ExecutionFailed),
		testExec("e3", "t1", "w2", model.ExecutionCompleted),
		testExec("e4", "t2", "w1", model.ExecutionCompleted),
	} {
		if err := s.Create(ctx, exec); err != nil {
			t.Fatalf("Create %s: %v", exec.ID, err)
		}
	}
	if err := s.AppendStepLog(ctx, model.StepExecutionLog{
		ID: "l1", ExecutionID: "e1", Status: model.StepLogCompleted,
	}); err != nil {
		t.Fatalf("AppendStepLog: %v", err)
	}

	if err := s.DeleteByWorkflow(ctx, "t1", "w1"); err != nil {
		t.Fatalf("DeleteByWorkflow: %v", err)
	}

	if _, err := s.Get(ctx, "t1", "e1"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("e1 still present after delete: %v", err)
	}
	if _, err := s.Get(ctx, "t1", "e2"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("e2 still present after delete: %v", err)
	}

	// Other workflows and other tenants are untouched.
	if _, err := s.Get(ctx, "t1", "e3"); err != nil {
		t.Errorf("e3 should survive: %v", err)
	}
	if _, err := s.Get(ctx, "t2", "e4"); err != nil {
		t.Errorf("e4 should survive: %v", err)
	}
}
