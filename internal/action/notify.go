package action

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/kazi/model"
)

// Messenger delivers outbound notifications. The production wiring
// points this at the platform's messaging service.
type Messenger interface {
	// SendEmail delivers one email and returns a provider message ID.
	SendEmail(ctx context.Context, tenantID, to, subject, body string) (string, error)
	// PostMessage posts one chat message to a channel.
	PostMessage(ctx context.Context, tenantID, channel, text string) error
}

// LogMessenger is a Messenger that only logs deliveries. It backs
// tests and deployments without a messaging backend.
type LogMessenger struct {
	logger *zap.Logger
	seq    func() string
}

// NewLogMessenger creates a log-only messenger.
func NewLogMessenger(logger *zap.Logger) *LogMessenger {
	n := 0
	return &LogMessenger{
		logger: logger,
		seq: func() string {
			n++
			return fmt.Sprintf("msg-%d", n)
		},
	}
}

// SendEmail logs the delivery and returns a synthetic message ID.
func (m *LogMessenger) SendEmail(_ context.Context, tenantID, to, subject, _ string) (string, error) {
	id := m.seq()
	m.logger.Info("email delivered",
		zap.String("tenant_id", tenantID),
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("message_id", id),
	)
	return id, nil
}

// PostMessage logs the delivery.
func (m *LogMessenger) PostMessage(_ context.Context, tenantID, channel, text string) error {
	m.logger.Info("chat message posted",
		zap.String("tenant_id", tenantID),
		zap.String("channel", channel),
		zap.Int("length", len(text)),
	)
	return nil
}

// SendEmailAction delivers an email through the messenger. Registered
// as "notification.send_email".
type SendEmailAction struct {
	messenger Messenger
}

// NewSendEmailAction wires the handler to a messenger.
func NewSendEmailAction(messenger Messenger) *SendEmailAction {
	return &SendEmailAction{messenger: messenger}
}

// Name returns "notification.send_email".
func (a *SendEmailAction) Name() string { return "notification.send_email" }

// Spec describes the handler for the action catalog.
func (a *SendEmailAction) Spec() model.ActionSpec {
	return model.ActionSpec{
		Name:        a.Name(),
		Category:    "notification",
		Description: "Send an email",
		InputFields: map[string]string{
			"to":      "string",
			"subject": "string",
			"body":    "string",
		},
		OutputFields: map[string]string{
			"message_id": "string",
		},
	}
}

// Execute delivers the email.
func (a *SendEmailAction) Execute(ctx context.Context, in model.ActionInput) model.ActionResult {
	to, err := stringParam(in.Params, "to")
	if err != nil {
		return model.Failed(err.Error())
	}
	subject, err := stringParam(in.Params, "subject")
	if err != nil {
		return model.Failed(err.Error())
	}
	body := optionalString(in.Params, "body", "")

	id, err := a.messenger.SendEmail(ctx, in.TenantID, to, subject, body)
	if err != nil {
		return model.Failed(fmt.Sprintf("send email: %v", err))
	}
	return model.Completed(map[string]any{"message_id": id})
}

// SendSlackAction posts a chat message through the messenger.
// Registered as "notification.send_slack".
type SendSlackAction struct {
	messenger Messenger
}

// NewSendSlackAction wires the handler to a messenger.
func NewSendSlackAction(messenger Messenger) *SendSlackAction {
	return &SendSlackAction{messenger: messenger}
}

// Name returns "notification.send_slack".
func (a *SendSlackAction) Name() string { return "notification.send_slack" }

// Spec describes the handler for the action catalog.
func (a *SendSlackAction) Spec() model.ActionSpec {
	return model.ActionSpec{
		Name:        a.Name(),
		Category:    "notification",
		Description: "Post a message to a chat channel",
		InputFields: map[string]string{
			"channel": "string",
			"message": "string",
		},
		OutputFields: map[string]string{
			"delivered": "boolean",
		},
	}
}

// Execute posts the message.
func (a *SendSlackAction) Execute(ctx context.Context, in model.ActionInput) model.ActionResult {
	channel, err := stringParam(in.Params, "channel")
	if err != nil {
		return model.Failed(err.Error())
	}
	message, err := stringParam(in.Params, "message")
	if err != nil {
		return model.Failed(err.Error())
	}

	if err := a.messenger.PostMessage(ctx, in.TenantID, channel, message); err != nil {
		return model.Failed(fmt.Sprintf("post message: %v", err))
	}
	return model.Completed(map[string]any{"delivered": true})
}
