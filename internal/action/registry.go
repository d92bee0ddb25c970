// Package action implements the execution seam for workflow side
// effects: a registry of named handlers plus the builtin catalog
// (CRM records, notifications, outbound webhooks, data shaping).
package action

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pitabwire/kazi/model"
)

// Registry stores named action handlers and dispatches invocations by
// the two-part action type, e.g. "crm.create_contact". It is safe for
// concurrent use after initial registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]model.ActionHandler
}

// NewRegistry creates a new empty action registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]model.ActionHandler),
	}
}

// Register adds a handler to the registry under its Name(). Panics if a
// handler with the same name is already registered, since this indicates
// a wiring mistake at startup.
func (r *Registry) Register(handler model.ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("action: handler %q already registered", name))
	}
	r.handlers[name] = handler
}

// Get returns the handler registered under the given name, or false if
// not found.
func (r *Registry) Get(name string) (model.ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered action names, sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the catalog entries for every registered action,
// sorted by name. Handlers that implement Spec() contribute their full
// description; others get a minimal entry derived from the name.
func (r *Registry) Specs() []model.ActionSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]model.ActionSpec, 0, len(r.handlers))
	for name, h := range r.handlers {
		if d, ok := h.(interface{ Spec() model.ActionSpec }); ok {
			specs = append(specs, d.Spec())
			continue
		}
		specs = append(specs, model.ActionSpec{
			Name:     name,
			Category: categoryOf(name),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute dispatches one invocation to the named handler. An unknown
// action type and a panicking handler both come back as a failed
// result rather than an error: the engine's on-error policy decides
// what happens next, not the transport between engine and handler.
func (r *Registry) Execute(ctx context.Context, in model.ActionInput) (result model.ActionResult) {
	handler, ok := r.Get(in.ActionType)
	if !ok {
		return model.Failed(fmt.Sprintf("unknown action type %q", in.ActionType))
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = model.Failed(fmt.Sprintf("action %q panicked: %v", in.ActionType, rec))
		}
	}()
	return handler.Execute(ctx, in)
}

func categoryOf(name string) string {
	if idx := strings.IndexByte(name, '.'); idx > 0 {
		return name[:idx]
	}
	return name
}
