package action

import (
	"time"

	"go.uber.org/zap"
)

// BuiltinDeps carries the collaborators the builtin catalog needs.
type BuiltinDeps struct {
	Records        RecordStore
	Messenger      Messenger
	WebhookTimeout time.Duration
	Logger         *zap.Logger
}

// RegisterBuiltins wires the builtin action catalog into the registry.
// Nil collaborators fall back to the in-memory and log-only
// implementations.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Records == nil {
		deps.Records = NewMemoryRecordStore()
	}
	if deps.Messenger == nil {
		deps.Messenger = NewLogMessenger(deps.Logger)
	}

	r.Register(NewCreateContactAction(deps.Records))
	r.Register(NewUpdateRecordAction(deps.Records))
	r.Register(NewSendEmailAction(deps.Messenger))
	r.Register(NewSendSlackAction(deps.Messenger))
	r.Register(NewSendWebhookAction(deps.WebhookTimeout))
	r.Register(NewTransformAction())
	r.Register(NewMergeAction())
}
