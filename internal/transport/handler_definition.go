package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/definition"
	"github.com/pitabwire/kazi/internal/execution"
	"github.com/pitabwire/kazi/internal/observability"
	"github.com/pitabwire/kazi/model"
)

func handleDefinitionList(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		filters := definition.Filters{
			TriggerType: r.URL.Query().Get("trigger_type"),
			Category:    r.URL.Query().Get("category"),
			Limit:       queryInt(r, "limit", 50),
			Offset:      queryInt(r, "offset", 0),
		}
		if v := r.URL.Query().Get("is_active"); v != "" {
			active := v == "true"
			filters.IsActive = &active
		}

		defs, err := svc.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   defs,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleDefinitionCreate(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var def model.WorkflowDefinition
		if err := decodeBody(r, &def); err != nil {
			WriteError(w, err)
			return
		}

		created, err := svc.Create(r.Context(), rctx, def)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleDefinitionGet(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		def, err := svc.Get(r.Context(), rctx, chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleDefinitionUpdate(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var def model.WorkflowDefinition
		if err := decodeBody(r, &def); err != nil {
			WriteError(w, err)
			return
		}
		def.ID = chi.URLParam(r, "workflowId")

		updated, err := svc.Update(r.Context(), rctx, def)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func handleDefinitionDelete(svc *definition.Service, execs execution.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		defID := chi.URLParam(r, "workflowId")

		if err := svc.Delete(r.Context(), rctx, defID); err != nil {
			WriteError(w, err)
			return
		}

		// The definition is gone; execution history follows. A failure
		// here leaves orphaned rows, which is preferable to failing the
		// delete after the definition is already removed.
		if err := execs.DeleteByWorkflow(r.Context(), rctx.TenantID, defID); err != nil {
			observability.LoggerFrom(r.Context(), logger).Warn(
				"delete execution history failed",
				zap.String("workflow_id", defID), zap.Error(err))
		}
		WriteJSON(w, http.StatusNoContent, nil)
	}
}

func handleDefinitionSetActive(svc *definition.Service, active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		def, err := svc.SetActive(r.Context(), rctx, chi.URLParam(r, "workflowId"), active)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleStepAdd(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var step model.WorkflowStep
		if err := decodeBody(r, &step); err != nil {
			WriteError(w, err)
			return
		}

		def, err := svc.AddStep(r.Context(), rctx, chi.URLParam(r, "workflowId"), step)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, def)
	}
}

func handleStepUpdate(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var step model.WorkflowStep
		if err := decodeBody(r, &step); err != nil {
			WriteError(w, err)
			return
		}
		step.ID = chi.URLParam(r, "stepId")

		def, err := svc.UpdateStep(r.Context(), rctx, chi.URLParam(r, "workflowId"), step)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleStepDelete(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		def, err := svc.DeleteStep(r.Context(), rctx,
			chi.URLParam(r, "workflowId"), chi.URLParam(r, "stepId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleStepReorder(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var body struct {
			StepIDs []string `json:"step_ids"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		def, err := svc.ReorderSteps(r.Context(), rctx, chi.URLParam(r, "workflowId"), body.StepIDs)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleSubscriptionUpsert(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var sub model.EventSubscription
		if err := decodeBody(r, &sub); err != nil {
			WriteError(w, err)
			return
		}

		def, err := svc.UpsertSubscription(r.Context(), rctx, chi.URLParam(r, "workflowId"), sub)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleSubscriptionDelete(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		def, err := svc.DeleteSubscription(r.Context(), rctx,
			chi.URLParam(r, "workflowId"), chi.URLParam(r, "subscriptionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleVariableUpsert(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var v model.WorkflowVariable
		if err := decodeBody(r, &v); err != nil {
			WriteError(w, err)
			return
		}

		def, err := svc.UpsertVariable(r.Context(), rctx, chi.URLParam(r, "workflowId"), v)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleVariableDelete(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		def, err := svc.DeleteVariable(r.Context(), rctx,
			chi.URLParam(r, "workflowId"), chi.URLParam(r, "key"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
