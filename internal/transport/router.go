package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/action"
	"github.com/pitabwire/kazi/internal/config"
	"github.com/pitabwire/kazi/internal/definition"
	"github.com/pitabwire/kazi/internal/dispatch"
	"github.com/pitabwire/kazi/internal/execution"
	"github.com/pitabwire/kazi/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Definitions *definition.Service
	Executions  execution.Store
	Dispatcher  *dispatch.Dispatcher
	Registry    *action.Registry
	Ready       observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// tenancy middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Ready))
	metricsPath := deps.Config.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, metricsPath, observability.Handler())
	}

	// Tenant-scoped API.
	r.Route("/api", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(Tenancy)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", handleDefinitionList(deps.Definitions))
			r.Post("/", handleDefinitionCreate(deps.Definitions))

			r.Route("/{workflowId}", func(r chi.Router) {
				r.Get("/", handleDefinitionGet(deps.Definitions))
				r.Put("/", handleDefinitionUpdate(deps.Definitions))
				r.Delete("/", handleDefinitionDelete(deps.Definitions, deps.Executions, deps.Logger))
				r.Post("/activate", handleDefinitionSetActive(deps.Definitions, true))
				r.Post("/deactivate", handleDefinitionSetActive(deps.Definitions, false))

				r.Post("/steps", handleStepAdd(deps.Definitions))
				r.Put("/steps/order", handleStepReorder(deps.Definitions))
				r.Put("/steps/{stepId}", handleStepUpdate(deps.Definitions))
				r.Delete("/steps/{stepId}", handleStepDelete(deps.Definitions))

				r.Put("/subscriptions", handleSubscriptionUpsert(deps.Definitions))
				r.Delete("/subscriptions/{subscriptionId}", handleSubscriptionDelete(deps.Definitions))

				r.Put("/variables", handleVariableUpsert(deps.Definitions))
				r.Delete("/variables/{key}", handleVariableDelete(deps.Definitions))

				r.Post("/trigger", handleTriggerManual(deps.Dispatcher))
			})
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", handleExecutionList(deps.Executions))
			r.Get("/{executionId}", handleExecutionGet(deps.Executions))
			r.Post("/{executionId}/cancel", handleExecutionCancel(deps.Executions))
			r.Post("/{executionId}/retry", handleExecutionRetry(deps.Dispatcher))
			r.Get("/{executionId}/logs", handleStepLogList(deps.Executions))
		})

		r.Post("/events", handleEventIngest(deps.Dispatcher))
		r.Post("/hooks/{slug}", handleWebhook(deps.Dispatcher))
		r.Get("/actions", handleActionCatalog(deps.Registry))
	})

	return r
}
