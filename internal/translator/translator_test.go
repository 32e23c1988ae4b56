package translator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-code-gateway/gateway/internal/claude"
	"github.com/claude-code-gateway/gateway/internal/oai"
	"github.com/claude-code-gateway/gateway/internal/validator"
)

func TestTranslateLeadingSystemBecomesSystemPrompt(t *testing.T) {
	prompt, opts := Translate(Input{
		Request: oai.ChatRequest{
			Model: "claude-sonnet-4-20250514",
			Messages: []oai.Message{
				{Role: oai.RoleSystem, Content: "be terse"},
				{Role: oai.RoleSystem, Content: "answer in French"},
				{Role: oai.RoleUser, Content: "bonjour"},
			},
		},
	})

	assert.Equal(t, "be terse\n\nanswer in French", opts.SystemPrompt)
	assert.Equal(t, "[user]: bonjour", prompt)
	assert.Equal(t, "claude-sonnet-4-20250514", opts.Model)
}

func TestTranslateSessionSystemPromptComesFirst(t *testing.T) {
	_, opts := Translate(Input{
		Request: oai.ChatRequest{
			Messages: []oai.Message{
				{Role: oai.RoleSystem, Content: "request-level"},
				{Role: oai.RoleUser, Content: "hi"},
			},
		},
		SessionSystemPrompt: "session-level",
	})
	assert.Equal(t, "session-level\n\nrequest-level", opts.SystemPrompt)
}

func TestTranslateMidConversationSystemStaysInTranscript(t *testing.T) {
	prompt, opts := Translate(Input{
		Request: oai.ChatRequest{
			Messages: []oai.Message{
				{Role: oai.RoleUser, Content: "hi"},
				{Role: oai.RoleSystem, Content: "switch persona"},
				{Role: oai.RoleUser, Content: "who are you"},
			},
		},
	})
	assert.Empty(t, opts.SystemPrompt)
	assert.Equal(t, "[user]: hi\n\n[system]: switch persona\n\n[user]: who are you", prompt)
}

func TestTranslateHistoryPrecedesRequestBody(t *testing.T) {
	prompt, _ := Translate(Input{
		Request: oai.ChatRequest{
			Messages: []oai.Message{{Role: oai.RoleUser, Content: "and now?"}},
		},
		History: []oai.Message{
			{Role: oai.RoleUser, Content: "first"},
			{Role: oai.RoleAssistant, Content: "answer one"},
		},
	})
	assert.Equal(t, "[user]: first\n\n[assistant]: answer one\n\n[user]: and now?", prompt)
}

func TestTranslateToolCallTranscript(t *testing.T) {
	prompt, _ := Translate(Input{
		Request: oai.ChatRequest{
			Messages: []oai.Message{
				{Role: oai.RoleUser, Content: "weather in Paris?"},
				{Role: oai.RoleAssistant, ToolCalls: []oai.ToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: oai.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
				}}},
				{Role: oai.RoleTool, ToolCallID: "call_1", Content: `{"temp_c":18}`},
			},
		},
	})

	assert.Contains(t, prompt, `<tool_call>{"arguments":{"city":"Paris"},"id":"call_1","name":"get_weather"}</tool_call>`)
	assert.Contains(t, prompt, `[tool_result for call_1]: {"temp_c":18}`)
}

func TestTranslateMaxTurnsPrecedence(t *testing.T) {
	base := oai.ChatRequest{Messages: []oai.Message{{Role: oai.RoleUser, Content: "hi"}}}

	_, opts := Translate(Input{Request: base})
	assert.Equal(t, DefaultMaxTurns, opts.MaxTurns)

	_, opts = Translate(Input{Request: base, SessionMaxTurns: 6})
	assert.Equal(t, 6, opts.MaxTurns)

	_, opts = Translate(Input{
		Request:         base,
		SessionMaxTurns: 6,
		Headers:         validator.HeaderOptions{MaxTurns: 9},
	})
	assert.Equal(t, 9, opts.MaxTurns)
}

func TestTranslatePermissionModeDefault(t *testing.T) {
	base := oai.ChatRequest{Messages: []oai.Message{{Role: oai.RoleUser, Content: "hi"}}}

	_, opts := Translate(Input{Request: base})
	assert.Equal(t, claude.PermissionDefault, opts.PermissionMode)

	_, opts = Translate(Input{Request: base, Headers: validator.HeaderOptions{PermissionMode: claude.PermissionBypassPermissions}})
	assert.Equal(t, claude.PermissionBypassPermissions, opts.PermissionMode)
}

func TestTranslateTimeoutIsBoundedByDeadline(t *testing.T) {
	base := oai.ChatRequest{Messages: []oai.Message{{Role: oai.RoleUser, Content: "hi"}}}

	_, opts := Translate(Input{Request: base, MaxTimeout: 10 * time.Minute})
	assert.Equal(t, 10*time.Minute, opts.Timeout)

	_, opts = Translate(Input{
		Request:    base,
		MaxTimeout: 10 * time.Minute,
		Deadline:   time.Now().Add(30 * time.Second),
	})
	assert.LessOrEqual(t, opts.Timeout, 30*time.Second)
	assert.Greater(t, opts.Timeout, 20*time.Second)
}

func TestTranslateAuthEnvForwarded(t *testing.T) {
	base := oai.ChatRequest{Messages: []oai.Message{{Role: oai.RoleUser, Content: "hi"}}}
	_, opts := Translate(Input{
		Request: base,
		AuthEnv: map[string]string{"ANTHROPIC_API_KEY": "sk-test"},
	})
	assert.Equal(t, "sk-test", opts.Env["ANTHROPIC_API_KEY"])
}

func TestToolInstructions(t *testing.T) {
	tools := []oai.ToolDef{{
		Type: "function",
		Function: oai.FunctionDef{
			Name:        "get_weather",
			Description: "Look up current weather",
			Parameters:  map[string]any{"type": "object"},
		},
	}}

	text := ToolInstructions(tools, nil)
	assert.Contains(t, text, "get_weather")
	assert.Contains(t, text, "Look up current weather")
	assert.Contains(t, text, "<tool_call>")

	assert.Empty(t, ToolInstructions(nil, nil))
	assert.Empty(t, ToolInstructions(tools, "none"))

	forced := ToolInstructions(tools, map[string]any{
		"type":     "function",
		"function": map[string]any{"name": "get_weather"},
	})
	require.Contains(t, forced, `MUST respond with a call to the "get_weather" tool`)
}
