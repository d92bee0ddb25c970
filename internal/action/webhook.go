package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/kazi/model"
)

const maxWebhookResponseBytes = 1 << 20

// SendWebhookAction delivers an outbound HTTP request to an external
// URL. Registered as "webhook.send".
type SendWebhookAction struct {
	client *http.Client
}

// NewSendWebhookAction creates the handler with the given timeout for
// each delivery. A zero timeout defaults to 30 seconds.
func NewSendWebhookAction(timeout time.Duration) *SendWebhookAction {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SendWebhookAction{
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns "webhook.send".
func (a *SendWebhookAction) Name() string { return "webhook.send" }

// Spec describes the handler for the action catalog.
func (a *SendWebhookAction) Spec() model.ActionSpec {
	return model.ActionSpec{
		Name:        a.Name(),
		Category:    "webhook",
		Description: "Deliver an HTTP request to an external URL",
		InputFields: map[string]string{
			"url":     "string",
			"method":  "string",
			"headers": "object",
			"payload": "object",
		},
		OutputFields: map[string]string{
			"status_code": "number",
			"body":        "object",
		},
	}
}

// Execute sends the request. Non-2xx responses are failed results with
// the status in the error text; transport errors likewise.
func (a *SendWebhookAction) Execute(ctx context.Context, in model.ActionInput) model.ActionResult {
	url, err := stringParam(in.Params, "url")
	if err != nil {
		return model.Failed(err.Error())
	}
	method := strings.ToUpper(optionalString(in.Params, "method", http.MethodPost))
	headers, err := mapParam(in.Params, "headers")
	if err != nil {
		return model.Failed(err.Error())
	}

	var body io.Reader
	if payload, ok := in.Params["payload"]; ok && payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return model.Failed(fmt.Sprintf("encode payload: %v", err))
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return model.Failed(fmt.Sprintf("build request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, val := range headers {
		req.Header.Set(name, fmt.Sprint(val))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return model.Failed(fmt.Sprintf("deliver webhook: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBytes))
	if err != nil {
		return model.Failed(fmt.Sprintf("read response: %v", err))
	}

	output := map[string]any{"status_code": float64(resp.StatusCode)}
	var decoded any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		output["body"] = decoded
	} else if len(raw) > 0 {
		output["body"] = string(raw)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.ActionResult{
			Status: model.ActionFailed,
			Output: output,
			Error:  fmt.Sprintf("webhook returned status %d", resp.StatusCode),
		}
	}
	return model.Completed(output)
}
