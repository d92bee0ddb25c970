package action

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/kazi/model"
)

func TestCreateContactAction(t *testing.T) {
	store := NewMemoryRecordStore()
	a := NewCreateContactAction(store)

	res := a.Execute(context.Background(), model.ActionInput{
		TenantID: "t1",
		Params:   map[string]any{"email": "a@b.com", "name": "Alice"},
	})
	require.True(t, res.OK())

	id, ok := res.Output["contact_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)

	fields, err := store.GetRecord(context.Background(), "t1", "contact", id)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", fields["email"])
	assert.Equal(t, "Alice", fields["name"])
}

func TestCreateContactAction_missingEmail(t *testing.T) {
	a := NewCreateContactAction(NewMemoryRecordStore())

	res := a.Execute(context.Background(), model.ActionInput{TenantID: "t1", Params: map[string]any{}})
	assert.Equal(t, model.ActionFailed, res.Status)
	assert.Contains(t, res.Error, "email")
}

func TestUpdateRecordAction(t *testing.T) {
	store := NewMemoryRecordStore()
	id, err := store.CreateRecord(context.Background(), "t1", "deal", map[string]any{"stage": "open"})
	require.NoError(t, err)

	a := NewUpdateRecordAction(store)
	res := a.Execute(context.Background(), model.ActionInput{
		TenantID: "t1",
		Params: map[string]any{
			"record_type": "deal",
			"record_id":   id,
			"fields":      map[string]any{"stage": "won"},
		},
	})
	require.True(t, res.OK())

	fields, err := store.GetRecord(context.Background(), "t1", "deal", id)
	require.NoError(t, err)
	assert.Equal(t, "won", fields["stage"])
}

func TestUpdateRecordAction_unknownRecord(t *testing.T) {
	a := NewUpdateRecordAction(NewMemoryRecordStore())

	res := a.Execute(context.Background(), model.ActionInput{
		TenantID: "t1",
		Params: map[string]any{
			"record_type": "deal",
			"record_id":   "missing",
			"fields":      map[string]any{},
		},
	})
	assert.Equal(t, model.ActionFailed, res.Status)
}

func TestSendEmailAction(t *testing.T) {
	a := NewSendEmailAction(NewLogMessenger(zap.NewNop()))

	res := a.Execute(context.Background(), model.ActionInput{
		TenantID: "t1",
		Params:   map[string]any{"to": "a@b.com", "subject": "hi", "body": "hello"},
	})
	require.True(t, res.OK())
	assert.NotEmpty(t, res.Output["message_id"])
}

func TestSendSlackAction_missingChannel(t *testing.T) {
	a := NewSendSlackAction(NewLogMessenger(zap.NewNop()))

	res := a.Execute(context.Background(), model.ActionInput{
		TenantID: "t1",
		Params:   map[string]any{"message": "hi"},
	})
	assert.Equal(t, model.ActionFailed, res.Status)
	assert.Contains(t, res.Error, "channel")
}

func TestSendWebhookAction(t *testing.T) {
	var gotBody map[string]any
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Token")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	a := NewSendWebhookAction(0)
	res := a.Execute(context.Background(), model.ActionInput{
		TenantID: "t1",
		Params: map[string]any{
			"url":     srv.URL,
			"headers": map[string]any{"X-Token": "abc"},
			"payload": map[string]any{"hello": "world"},
		},
	})
	require.True(t, res.OK())
	assert.Equal(t, float64(200), res.Output["status_code"])
	assert.Equal(t, map[string]any{"received": true}, res.Output["body"])
	assert.Equal(t, "abc", gotHeader)
	assert.Equal(t, map[string]any{"hello": "world"}, gotBody)
}

func TestSendWebhookAction_non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewSendWebhookAction(0)
	res := a.Execute(context.Background(), model.ActionInput{
		Params: map[string]any{"url": srv.URL},
	})
	assert.Equal(t, model.ActionFailed, res.Status)
	assert.Contains(t, res.Error, "502")
	assert.Equal(t, float64(502), res.Output["status_code"])
}

func TestTransformAction(t *testing.T) {
	a := NewTransformAction()

	res := a.Execute(context.Background(), model.ActionInput{
		Params: map[string]any{
			"fields": map[string]any{
				"contact": "{{steps.create.contact_id}}",
				"static":  "fixed",
			},
		},
		ExecutionContext: map[string]any{
			"steps": map[string]any{"create": map[string]any{"contact_id": "c-1"}},
		},
	})
	require.True(t, res.OK())
	assert.Equal(t, "c-1", res.Output["contact"])
	assert.Equal(t, "fixed", res.Output["static"])
}

func TestMergeAction(t *testing.T) {
	a := NewMergeAction()

	res := a.Execute(context.Background(), model.ActionInput{
		Params: map[string]any{
			"sources": []any{
				map[string]any{"a": 1, "b": 1},
				map[string]any{"b": 2},
			},
		},
	})
	require.True(t, res.OK())
	assert.Equal(t, 1, res.Output["a"])
	assert.Equal(t, 2, res.Output["b"])
}

func TestMergeAction_rejectsNonObjectSource(t *testing.T) {
	a := NewMergeAction()

	res := a.Execute(context.Background(), model.ActionInput{
		Params: map[string]any{"sources": []any{"not-an-object"}},
	})
	assert.Equal(t, model.ActionFailed, res.Status)
}
