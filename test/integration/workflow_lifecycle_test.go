package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/kazi/model"
)

const tenant = "acme-corp"

// actionStep builds a step body for an action with templated params.
func actionStep(name string, position int, actionType string, params map[string]any) map[string]any {
	return map[string]any{
		"name":       name,
		"kind":       "action",
		"position":   position,
		"output_key": name,
		"config": map[string]any{
			"action": map[string]any{
				"action_type": actionType,
				"params":      params,
			},
		},
	}
}

func createWorkflow(t *testing.T, h *TestHarness, body map[string]any) model.WorkflowDefinition {
	t.Helper()
	var def model.WorkflowDefinition
	h.AssertJSON(h.POST("/api/workflows", body, tenant), http.StatusCreated, &def)
	return def
}

func triggerManual(t *testing.T, h *TestHarness, workflowID string, payload map[string]any) string {
	t.Helper()
	var resp map[string]string
	h.AssertJSON(h.POST("/api/workflows/"+workflowID+"/trigger",
		map[string]any{"payload": payload}, tenant), http.StatusCreated, &resp)
	if resp["execution_id"] == "" {
		t.Fatal("trigger returned no execution_id")
	}
	return resp["execution_id"]
}

func getExecution(t *testing.T, h *TestHarness, execID string) model.WorkflowExecution {
	t.Helper()
	var exec model.WorkflowExecution
	h.AssertJSON(h.GET("/api/executions/"+execID, tenant), http.StatusOK, &exec)
	return exec
}

func TestEndToEnd_contactFollowupFlow(t *testing.T) {
	h := NewTestHarness(t)

	def := createWorkflow(t, h, map[string]any{
		"name":         "Contact followup",
		"trigger_type": "manual",
		"is_active":    true,
		"steps": []map[string]any{
			actionStep("contact", 0, "crm.create_contact", map[string]any{
				"email": "{{trigger.email}}",
				"name":  "{{trigger.name}}",
			}),
			{
				"name":     "remember",
				"kind":     "setVariable",
				"position": 1,
				"config": map[string]any{
					"set_variable": map[string]any{
						"key":   "last_contact_id",
						"value": "{{steps.contact.contact_id}}",
					},
				},
			},
			actionStep("notify", 2, "notification.send_slack", map[string]any{
				"channel": "#sales",
				"message": "New contact {{trigger.name}} ({{steps.contact.contact_id}})",
			}),
		},
	})

	execID := triggerManual(t, h, def.ID, map[string]any{
		"email": "ada@example.com",
		"name":  "Ada Lovelace",
	})

	h.Sweep()

	exec := getExecution(t, h, execID)
	if exec.Status != model.ExecutionCompleted {
		t.Fatalf("status = %q, want completed (error: %s)", exec.Status, exec.Error)
	}

	// The contact record landed in the CRM store.
	steps, _ := exec.Context["steps"].(map[string]any)
	contact, _ := steps["contact"].(map[string]any)
	contactID, _ := contact["contact_id"].(string)
	if contactID == "" {
		t.Fatal("contact step produced no contact_id")
	}

	// The variable captured the created record's ID.
	vars, _ := exec.Context["variables"].(map[string]any)
	if vars["last_contact_id"] != contactID {
		t.Errorf("last_contact_id = %v, want %q", vars["last_contact_id"], contactID)
	}

	// The chat notification was delivered with the interpolated text.
	msgs := h.Messenger.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Channel != "#sales" {
		t.Errorf("channel = %q, want #sales", msgs[0].Channel)
	}
	if !strings.Contains(msgs[0].Text, "Ada Lovelace") || !strings.Contains(msgs[0].Text, contactID) {
		t.Errorf("message text = %q, want name and contact id interpolated", msgs[0].Text)
	}

	// One log row per step, in order.
	var logs struct {
		Data []model.StepExecutionLog `json:"data"`
	}
	h.AssertJSON(h.GET("/api/executions/"+execID+"/logs", tenant), http.StatusOK, &logs)
	if len(logs.Data) != 3 {
		t.Fatalf("step logs = %d, want 3", len(logs.Data))
	}
	for _, log := range logs.Data {
		if log.Status != model.StepLogCompleted {
			t.Errorf("step %s status = %q, want completed", log.StepID, log.Status)
		}
	}
}

func TestEndToEnd_eventTriggerWithFilter(t *testing.T) {
	h := NewTestHarness(t)

	createWorkflow(t, h, map[string]any{
		"name":         "Big deal alert",
		"trigger_type": "event",
		"is_active":    true,
		"trigger_config": map[string]any{
			"event": map[string]any{"event_type": "deal.won"},
		},
		"subscriptions": []map[string]any{
			{
				"event_type": "deal.won",
				"filter":     map[string]any{"amount": map[string]any{"$gt": 100}},
			},
		},
		"steps": []map[string]any{
			actionStep("notify", 0, "notification.send_slack", map[string]any{
				"channel": "#deals",
				"message": "Deal won",
			}),
		},
	})

	// Below the filter threshold: no execution.
	var small struct {
		ExecutionIDs []string `json:"execution_ids"`
	}
	h.AssertJSON(h.POST("/api/events", map[string]any{
		"type":    "deal.won",
		"payload": map[string]any{"amount": 50},
	}, tenant), http.StatusAccepted, &small)
	if len(small.ExecutionIDs) != 0 {
		t.Fatalf("small deal started %d executions, want 0", len(small.ExecutionIDs))
	}

	// Above the threshold: one execution that runs to completion.
	var big struct {
		ExecutionIDs []string `json:"execution_ids"`
	}
	h.AssertJSON(h.POST("/api/events", map[string]any{
		"type":    "deal.won",
		"payload": map[string]any{"amount": 5000},
	}, tenant), http.StatusAccepted, &big)
	if len(big.ExecutionIDs) != 1 {
		t.Fatalf("big deal started %d executions, want 1", len(big.ExecutionIDs))
	}

	h.Sweep()

	exec := getExecution(t, h, big.ExecutionIDs[0])
	if exec.Status != model.ExecutionCompleted {
		t.Fatalf("status = %q, want completed (error: %s)", exec.Status, exec.Error)
	}
	if len(h.Messenger.Messages()) != 1 {
		t.Errorf("messages = %d, want 1", len(h.Messenger.Messages()))
	}
}

func TestEndToEnd_waitForEventReleasedByIngest(t *testing.T) {
	h := NewTestHarness(t)

	def := createWorkflow(t, h, map[string]any{
		"name":         "Invoice settlement",
		"trigger_type": "manual",
		"is_active":    true,
		"steps": []map[string]any{
			{
				"name":       "await payment",
				"kind":       "waitForEvent",
				"position":   0,
				"output_key": "payment",
				"config": map[string]any{
					"wait_event": map[string]any{"event_type": "payment.received"},
				},
			},
			actionStep("notify", 1, "notification.send_slack", map[string]any{
				"channel": "#finance",
				"message": "Paid {{steps.payment.amount}}",
			}),
		},
	})

	execID := triggerManual(t, h, def.ID, map[string]any{"invoice": "inv-1"})

	// First sweep parks the execution on the wait.
	h.Sweep()
	exec := getExecution(t, h, execID)
	if exec.Status != model.ExecutionPaused {
		t.Fatalf("status after first sweep = %q, want paused", exec.Status)
	}
	if exec.WaitEventType != "payment.received" {
		t.Fatalf("wait_event_type = %q, want payment.received", exec.WaitEventType)
	}

	// The matching event releases the wait and requeues the execution.
	h.AssertJSON(h.POST("/api/events", map[string]any{
		"type":    "payment.received",
		"payload": map[string]any{"amount": 250},
	}, tenant), http.StatusAccepted, nil)

	h.Sweep()

	exec = getExecution(t, h, execID)
	if exec.Status != model.ExecutionCompleted {
		t.Fatalf("status = %q, want completed (error: %s)", exec.Status, exec.Error)
	}

	msgs := h.Messenger.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "250") {
		t.Errorf("message text = %q, want released payload interpolated", msgs[0].Text)
	}
}

func TestEndToEnd_cancelWhilePausedNeverRuns(t *testing.T) {
	h := NewTestHarness(t)

	def := createWorkflow(t, h, map[string]any{
		"name":         "Slow reminder",
		"trigger_type": "manual",
		"is_active":    true,
		"steps": []map[string]any{
			{
				"name":     "wait a day",
				"kind":     "delay",
				"position": 0,
				"config": map[string]any{
					"delay": map[string]any{"duration_seconds": 86400},
				},
			},
			actionStep("notify", 1, "notification.send_slack", map[string]any{
				"channel": "#reminders",
				"message": "Ping",
			}),
		},
	})

	execID := triggerManual(t, h, def.ID, map[string]any{})

	h.Sweep()
	exec := getExecution(t, h, execID)
	if exec.Status != model.ExecutionPaused {
		t.Fatalf("status = %q, want paused", exec.Status)
	}

	h.AssertJSON(h.POST("/api/executions/"+execID+"/cancel", nil, tenant), http.StatusOK, nil)

	// Further sweeps must not revive the cancelled execution.
	h.Sweep()
	h.Sweep()

	exec = getExecution(t, h, execID)
	if exec.Status != model.ExecutionCancelled {
		t.Fatalf("status = %q, want cancelled", exec.Status)
	}
	if len(h.Messenger.Messages()) != 0 {
		t.Errorf("messages = %d, want 0 after cancel", len(h.Messenger.Messages()))
	}
}

func TestEndToEnd_retryFailedExecution(t *testing.T) {
	h := NewTestHarness(t)

	// The action is not registered, so the only step fails and the
	// execution lands in failed.
	def := createWorkflow(t, h, map[string]any{
		"name":         "Fragile charge",
		"trigger_type": "manual",
		"is_active":    true,
		"steps": []map[string]any{
			actionStep("charge", 0, "billing.charge_card", map[string]any{
				"amount": "{{trigger.amount}}",
			}),
		},
	})

	execID := triggerManual(t, h, def.ID, map[string]any{"amount": 25})
	h.Sweep()

	exec := getExecution(t, h, execID)
	if exec.Status != model.ExecutionFailed {
		t.Fatalf("status = %q, want failed", exec.Status)
	}

	// Retry spawns a fresh execution linked to the failed one.
	var retry map[string]string
	h.AssertJSON(h.POST("/api/executions/"+execID+"/retry", nil, tenant), http.StatusCreated, &retry)
	newID := retry["execution_id"]
	if newID == "" || newID == execID {
		t.Fatalf("retry execution_id = %q, want a fresh id", newID)
	}

	fresh := getExecution(t, h, newID)
	if fresh.ParentExecutionID != execID {
		t.Errorf("parent_execution_id = %q, want %q", fresh.ParentExecutionID, execID)
	}
	if fresh.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", fresh.Attempt)
	}
}
