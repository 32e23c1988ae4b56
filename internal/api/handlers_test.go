package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/claude-code-gateway/gateway/internal/auth"
	"github.com/claude-code-gateway/gateway/internal/claude"
	"github.com/claude-code-gateway/gateway/internal/config"
	"github.com/claude-code-gateway/gateway/internal/service"
	"github.com/claude-code-gateway/gateway/internal/session"
	"github.com/claude-code-gateway/gateway/internal/streaming"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptStream and scriptRunner mirror the service test doubles so handler
// tests can drive completions without a real subprocess.
type scriptStream struct {
	events []claude.Event
	err    error
	pos    int
}

func (s *scriptStream) Next() (claude.Event, error) {
	if s.pos >= len(s.events) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptStream) Close() error { return nil }

type scriptRunner struct {
	events []claude.Event
	runErr error
}

func (r *scriptRunner) Run(context.Context, string, claude.Options) (service.EventStream, error) {
	if r.runErr != nil {
		return nil, r.runErr
	}
	return &scriptStream{events: r.events}, nil
}

func newTestServer(t *testing.T, cfg *config.Config, runner service.Runner) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.Normalize()
	if runner == nil {
		runner = &scriptRunner{events: []claude.Event{
			claude.TextDelta{Text: "ok"},
			claude.End{Reason: claude.EndStop},
		}}
	}

	store := session.NewStore(time.Hour, time.Hour)
	t.Cleanup(store.Close)
	provider := auth.NewEnvProvider()
	svc := service.New(runner, store, provider, cfg.MaxTimeout)

	return NewServer(cfg, Deps{
		Service:  svc,
		Store:    store,
		CLI:      claude.NewClient(claude.Config{CLIPath: "/nonexistent/claude"}),
		Provider: provider,
		Streams:  streaming.NewManager(time.Hour),
	})
}

func doRequest(s *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

const minimalChat = `{"model":"claude-3-5-haiku-20241022","messages":[{"role":"user","content":"hi"}]}`

func TestRootEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := doRequest(s, "GET", "/", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "POST /v1/chat/completions")
}

func TestModelsEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := doRequest(s, "GET", "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "list", body.Get("object").String())
	ids := body.Get("data.#.id").Array()
	require.NotEmpty(t, ids)
	assert.Equal(t, "model", body.Get("data.0.object").String())
	assert.Equal(t, "anthropic", body.Get("data.0.owned_by").String())
}

func TestHealthCheapAndAlwaysHealthy(t *testing.T) {
	// The liveness probe never touches the CLI, so a missing binary does
	// not degrade it.
	s := newTestServer(t, nil, nil)
	w := doRequest(s, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "healthy", body.Get("status").String())
	assert.Equal(t, "claude-code-gateway", body.Get("service").String())
	assert.False(t, body.Get("claude_cli").Exists())
}

func TestHealthClaudeDegradedWithoutCLI(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := doRequest(s, "GET", "/health/claude", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "degraded", body.Get("status").String())
	assert.False(t, body.Get("claude_cli.available").Bool())
	assert.True(t, body.Get("active_sessions").Exists())
}

func TestChatCompletionNonStreaming(t *testing.T) {
	s := newTestServer(t, nil, &scriptRunner{events: []claude.Event{
		claude.TextDelta{Text: "Hello there"},
		claude.UsageEvent{PromptTokens: 3, CompletionTokens: 2},
		claude.End{Reason: claude.EndStop},
	}})

	w := doRequest(s, "POST", "/v1/chat/completions", minimalChat, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := gjson.Parse(w.Body.String())
	assert.True(t, strings.HasPrefix(body.Get("id").String(), "chatcmpl-"))
	assert.Equal(t, "chat.completion", body.Get("object").String())
	assert.Equal(t, "Hello there", body.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", body.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(5), body.Get("usage.total_tokens").Int())
}

func TestChatCompletionStreaming(t *testing.T) {
	s := newTestServer(t, nil, &scriptRunner{events: []claude.Event{
		claude.TextDelta{Text: "Hel"},
		claude.TextDelta{Text: "lo"},
		claude.End{Reason: claude.EndStop},
	}})

	body := `{"model":"claude-3-5-haiku-20241022","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	w := doRequest(s, "POST", "/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	raw := w.Body.String()
	require.True(t, strings.HasSuffix(raw, "data: [DONE]\n\n"), "stream must end with the sentinel: %q", raw)

	var frames []gjson.Result
	for _, line := range strings.Split(raw, "\n") {
		if payload, ok := strings.CutPrefix(line, "data: "); ok && payload != "[DONE]" {
			frames = append(frames, gjson.Parse(payload))
		}
	}
	require.Len(t, frames, 4)
	assert.Equal(t, "assistant", frames[0].Get("choices.0.delta.role").String())
	assert.Equal(t, "Hel", frames[1].Get("choices.0.delta.content").String())
	assert.Equal(t, "lo", frames[2].Get("choices.0.delta.content").String())
	assert.Equal(t, "stop", frames[3].Get("choices.0.finish_reason").String())

	id := frames[0].Get("id").String()
	for _, f := range frames {
		assert.Equal(t, id, f.Get("id").String())
		assert.Equal(t, "chat.completion.chunk", f.Get("object").String())
	}
}

func TestChatCompletionValidationStatuses(t *testing.T) {
	s := newTestServer(t, nil, nil)

	// Missing model and messages: 422 with both fields listed.
	w := doRequest(s, "POST", "/v1/chat/completions", `{"stream":true}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "validation_error", body.Get("error.type").String())
	fields := body.Get("error.details.#.field").Raw
	assert.Contains(t, fields, "model")
	assert.Contains(t, fields, "messages")
	for _, kind := range body.Get("error.details.#.kind").Array() {
		assert.Equal(t, "missing", kind.String())
	}

	// Unknown model value: also 422.
	w = doRequest(s, "POST", "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.NotEmpty(t, gjson.Get(w.Body.String(), "error.details").Array())

	// A body that is not JSON at all: 400.
	w = doRequest(s, "POST", "/v1/chat/completions", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestChatCompletionClaudeUnavailable(t *testing.T) {
	s := newTestServer(t, nil, &scriptRunner{runErr: claude.ErrNotInstalled})

	w := doRequest(s, "POST", "/v1/chat/completions", minimalChat, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "claude_unavailable", gjson.Get(w.Body.String(), "error.type").String())

	// Streaming fails the same way when no chunk was written yet.
	body := `{"model":"claude-3-5-haiku-20241022","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	w = doRequest(s, "POST", "/v1/chat/completions", body, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestChatCompletionClaudeError(t *testing.T) {
	s := newTestServer(t, nil, &scriptRunner{events: []claude.Event{
		claude.ErrorEvent{Kind: claude.ErrKindClaude, Message: "credit balance too low"},
	}})

	w := doRequest(s, "POST", "/v1/chat/completions", minimalChat, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "claude_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, nil, nil)

	// Create with explicit metadata.
	w := doRequest(s, "POST", "/v1/sessions", `{"id":"conv-1","system_prompt":"be terse","max_turns":3}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "conv-1", gjson.Get(w.Body.String(), "id").String())
	assert.Equal(t, "be terse", gjson.Get(w.Body.String(), "system_prompt").String())

	// Create without a body generates an id.
	w = doRequest(s, "POST", "/v1/sessions", "", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, strings.HasPrefix(gjson.Get(w.Body.String(), "id").String(), "sess_"))

	// List and stats see both.
	w = doRequest(s, "GET", "/v1/sessions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, gjson.Get(w.Body.String(), "data").Array(), 2)

	w = doRequest(s, "GET", "/v1/sessions/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "active_sessions").Int())

	// Patch metadata.
	w = doRequest(s, "PATCH", "/v1/sessions/conv-1", `{"max_turns":8}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(8), gjson.Get(w.Body.String(), "max_turns").Int())

	// Get detail.
	w = doRequest(s, "GET", "/v1/sessions/conv-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "messages").IsArray())

	// Delete, then a second delete is 404.
	w = doRequest(s, "DELETE", "/v1/sessions/conv-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "deleted").Bool())

	w = doRequest(s, "DELETE", "/v1/sessions/conv-1", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(s, "GET", "/v1/sessions/conv-1", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionCompletionRoundTrip(t *testing.T) {
	s := newTestServer(t, nil, &scriptRunner{events: []claude.Event{
		claude.TextDelta{Text: "answer"},
		claude.End{Reason: claude.EndStop},
	}})

	body := `{"model":"claude-3-5-haiku-20241022","session_id":"conv-rt","messages":[{"role":"user","content":"hi"}]}`
	w := doRequest(s, "POST", "/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, "GET", "/v1/sessions/conv-rt", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := gjson.Get(w.Body.String(), "messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Get("role").String())
	assert.Equal(t, "assistant", msgs[1].Get("role").String())
}

func TestAuthMiddleware(t *testing.T) {
	cfg := &config.Config{APIKeys: []string{"secret-key"}}
	s := newTestServer(t, cfg, nil)

	w := doRequest(s, "GET", "/v1/models", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_error", gjson.Get(w.Body.String(), "error.type").String())

	header := http.Header{}
	header.Set("Authorization", "Bearer wrong")
	w = doRequest(s, "GET", "/v1/models", "", header)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	header.Set("Authorization", "Bearer secret-key")
	w = doRequest(s, "GET", "/v1/models", "", header)
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open.
	w = doRequest(s, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthStatusShapeAndNoValueLeaks(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-secret-value")
	s := newTestServer(t, &config.Config{APIKeys: []string{"gw-key"}}, nil)

	header := http.Header{}
	header.Set("Authorization", "Bearer gw-key")
	w := doRequest(s, "GET", "/v1/auth/status", "", header)
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "anthropic_api_key", body.Get("claude_code_auth.method").String())
	assert.Equal(t, "configured", body.Get("claude_code_auth.status").String())
	assert.True(t, body.Get("claude_code_auth.environment_variables").IsArray())
	assert.True(t, body.Get("server_info.api_key_required").Bool())
	assert.Equal(t, "config", body.Get("server_info.api_key_source").String())
	assert.NotEmpty(t, body.Get("server_info.version").String())
	assert.NotContains(t, w.Body.String(), "sk-secret-value")
	assert.NotContains(t, w.Body.String(), "gw-key")
}

func TestCompatibilityDocEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := doRequest(s, "GET", "/v1/compatibility", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Contains(t, body.Get("supported_parameters").Raw, "session_id")
	assert.Contains(t, body.Get("unsupported_parameters").Raw, "temperature")
}

func TestCompatibilityCheckEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	body := `{"model":"claude-3-5-haiku-20241022","messages":[{"role":"user","content":"hi"}],"temperature":0.7,"top_p":0.9}`
	w := doRequest(s, "POST", "/v1/compatibility", body, nil)
	require.Equal(t, http.StatusOK, w.Code)

	report := gjson.Parse(w.Body.String())
	assert.Contains(t, report.Get("supported_parameters").Raw, "model")
	assert.Contains(t, report.Get("unsupported_parameters").Raw, "temperature")
	assert.Contains(t, report.Get("unsupported_parameters").Raw, "top_p")
	assert.NotEmpty(t, report.Get("warnings").Array())

	// An invalid body is a validation error, not a report.
	w = doRequest(s, "POST", "/v1/compatibility", `{"stream":true}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "validation_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestDebugRequest(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := doRequest(s, "POST", "/v1/debug/request", minimalChat, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.True(t, body.Get("valid").Bool())
	assert.Contains(t, body.Get("translation.prompt").String(), "[user]: hi")
	assert.Equal(t, "claude-3-5-haiku-20241022", body.Get("example.model").String())

	// Invalid requests report their violations without failing the call,
	// and still carry the example.
	w = doRequest(s, "POST", "/v1/debug/request", `{"messages":[]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "valid").Bool())
	assert.NotEmpty(t, gjson.Get(w.Body.String(), "errors").Array())
	assert.NotEmpty(t, gjson.Get(w.Body.String(), "example.messages").Array())
}

func TestUnknownRouteEnvelope(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := doRequest(s, "GET", "/v2/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", gjson.Get(w.Body.String(), "error.type").String())
}

func TestUnsupportedParamsAcceptedAndIgnored(t *testing.T) {
	s := newTestServer(t, nil, nil)
	body := `{"model":"claude-3-5-haiku-20241022","messages":[{"role":"user","content":"hi"}],"temperature":0.7,"max_tokens":50}`
	w := doRequest(s, "POST", "/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp["object"])
}
