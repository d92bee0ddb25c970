package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/kazi/internal/action"
	"github.com/pitabwire/kazi/internal/dispatch"
	"github.com/pitabwire/kazi/model"
)

// headerHookSecret carries the shared secret for webhook triggers.
const headerHookSecret = "X-Hook-Secret"

func handleEventIngest(dispatcher *dispatch.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var event model.Event
		if err := decodeBody(r, &event); err != nil {
			WriteError(w, err)
			return
		}
		event.TenantID = rctx.TenantID

		execIDs, err := dispatcher.HandleEvent(r.Context(), event)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]any{
			"execution_ids": execIDs,
		})
	}
}

func handleWebhook(dispatcher *dispatch.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var payload map[string]any
		if err := decodeBody(r, &payload); err != nil {
			WriteError(w, err)
			return
		}

		execID, err := dispatcher.TriggerWebhook(r.Context(),
			rctx.TenantID, chi.URLParam(r, "slug"), r.Header.Get(headerHookSecret), payload)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]string{"execution_id": execID})
	}
}

func handleActionCatalog(registry *action.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"data": registry.Specs(),
		})
	}
}
