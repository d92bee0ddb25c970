package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/kazi/internal/dispatch"
	"github.com/pitabwire/kazi/internal/execution"
	"github.com/pitabwire/kazi/model"
)

func handleExecutionList(store execution.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		filters := model.ExecutionFilters{
			WorkflowID: r.URL.Query().Get("workflow_id"),
			Status:     r.URL.Query().Get("status"),
			Limit:      queryInt(r, "limit", 50),
			Offset:     queryInt(r, "offset", 0),
		}

		execs, err := store.List(r.Context(), rctx.TenantID, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   execs,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleExecutionGet(store execution.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		exec, err := store.Get(r.Context(), rctx.TenantID, chi.URLParam(r, "executionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, exec)
	}
}

func handleExecutionCancel(store execution.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		if err := store.Cancel(r.Context(), rctx.TenantID, chi.URLParam(r, "executionId")); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": model.ExecutionCancelled})
	}
}

func handleExecutionRetry(dispatcher *dispatch.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		execID, err := dispatcher.Retry(r.Context(), rctx, chi.URLParam(r, "executionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]string{"execution_id": execID})
	}
}

func handleStepLogList(store execution.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		logs, err := store.ListStepLogs(r.Context(), rctx.TenantID, chi.URLParam(r, "executionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": logs})
	}
}

func handleTriggerManual(dispatcher *dispatch.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var body struct {
			Payload map[string]any `json:"payload"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		execID, err := dispatcher.TriggerManual(r.Context(), rctx, chi.URLParam(r, "workflowId"), body.Payload)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]string{"execution_id": execID})
	}
}
