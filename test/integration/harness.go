// Package integration provides a reusable test harness for end-to-end
// testing of the kazi server. It starts a full HTTP server over in-memory
// stores with the builtin action catalog, and exposes the engine so tests
// can drive execution deterministically instead of waiting on tickers.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/action"
	"github.com/pitabwire/kazi/internal/config"
	"github.com/pitabwire/kazi/internal/definition"
	"github.com/pitabwire/kazi/internal/dispatch"
	"github.com/pitabwire/kazi/internal/execution"
	"github.com/pitabwire/kazi/internal/transport"
)

// TestHarness encapsulates a fully wired kazi instance for end-to-end
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	DefinitionStore *definition.MemoryStore
	ExecutionStore  *execution.MemoryStore
	Engine          *execution.Engine
	Sweeper         *execution.Sweeper
	Dispatcher      *dispatch.Dispatcher
	Records         *action.MemoryRecordStore
	Messenger       *CaptureMessenger
}

// NewTestHarness creates and starts a full kazi test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	logger := zap.NewNop()
	defStore := definition.NewMemoryStore()
	execStore := execution.NewMemoryStore()
	records := action.NewMemoryRecordStore()
	messenger := &CaptureMessenger{}

	registry := action.NewRegistry()
	action.RegisterBuiltins(registry, action.BuiltinDeps{
		Logger:    logger,
		Records:   records,
		Messenger: messenger,
	})

	svc := definition.NewService(defStore, logger)
	dispatcher := dispatch.NewDispatcher(defStore, execStore, logger)
	engine := execution.NewEngine(defStore, execStore, registry, logger)
	sweeper := execution.NewSweeper(engine, execStore, logger, time.Second)

	router := transport.NewRouter(transport.Dependencies{
		Config:      config.Defaults(),
		Logger:      logger,
		Definitions: svc,
		Executions:  execStore,
		Dispatcher:  dispatcher,
		Registry:    registry,
	})

	h := &TestHarness{
		t:               t,
		server:          httptest.NewServer(router),
		DefinitionStore: defStore,
		ExecutionStore:  execStore,
		Engine:          engine,
		Sweeper:         sweeper,
		Dispatcher:      dispatcher,
		Records:         records,
		Messenger:       messenger,
	}
	t.Cleanup(h.server.Close)
	return h
}

// Sweep runs one synchronous sweep pass, driving every pending and due
// paused execution to its next checkpoint.
func (h *TestHarness) Sweep() {
	h.t.Helper()
	h.Sweeper.Sweep(context.Background(), time.Now().UTC())
}

// --- HTTP client helpers ---

// GET performs a tenant-scoped GET request.
func (h *TestHarness) GET(path, tenantID string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, tenantID, nil)
}

// POST performs a tenant-scoped POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, tenantID string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, tenantID, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, tenantID string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, tenantID, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, tenantID string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if tenantID != "" {
		req.Header.Set("X-Tenant-Id", tenantID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// AssertJSON checks the response status and parses the body into target.
func (h *TestHarness) AssertJSON(resp *http.Response, expected int, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if resp.StatusCode != expected {
		h.t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(data))
	}
	if target != nil {
		if err := json.Unmarshal(data, target); err != nil {
			h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
		}
	}
}

// --- Capture messenger ---

// SentEmail is one email captured by the CaptureMessenger.
type SentEmail struct {
	TenantID string
	To       string
	Subject  string
	Body     string
}

// PostedMessage is one chat message captured by the CaptureMessenger.
type PostedMessage struct {
	TenantID string
	Channel  string
	Text     string
}

// CaptureMessenger records deliveries so tests can assert on them.
type CaptureMessenger struct {
	mu       sync.Mutex
	emails   []SentEmail
	messages []PostedMessage
}

// SendEmail records the email and returns a synthetic message ID.
func (m *CaptureMessenger) SendEmail(_ context.Context, tenantID, to, subject, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails = append(m.emails, SentEmail{TenantID: tenantID, To: to, Subject: subject, Body: body})
	return "msg-test", nil
}

// PostMessage records the chat message.
func (m *CaptureMessenger) PostMessage(_ context.Context, tenantID, channel, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, PostedMessage{TenantID: tenantID, Channel: channel, Text: text})
	return nil
}

// Emails returns a copy of the captured emails.
func (m *CaptureMessenger) Emails() []SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentEmail(nil), m.emails...)
}

// Messages returns a copy of the captured chat messages.
func (m *CaptureMessenger) Messages() []PostedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PostedMessage(nil), m.messages...)
}
