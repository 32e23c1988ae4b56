// Package oai defines the OpenAI-compatible wire types used by the gateway.
// It covers the chat completion request and response bodies, the streaming
// chunk format, and the error envelope. The shapes follow the OpenAI chat
// completions API, with one extension: requests may carry a session_id that
// addresses a server-held conversation.
package oai

import "encoding/json"

// Message roles accepted on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported on completions and terminal stream chunks.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
)

// ChatRequest represents an OpenAI-compatible chat completion request.
//
// SessionID is a gateway extension identifying a server-held conversation.
// The sampling fields (Temperature, TopP, MaxTokens, Stop, the penalties and
// LogitBias) are accepted for SDK compatibility, reported through the
// compatibility report, and discarded; the Claude CLI does not honor them.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	SessionID        string          `json:"session_id,omitempty"`
	Tools            []ToolDef       `json:"tools,omitempty"`
	ToolChoice       any             `json:"tool_choice,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                *int            `json:"n,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Stop             any             `json:"stop,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	LogitBias        json.RawMessage `json:"logit_bias,omitempty"`
	User             string          `json:"user,omitempty"`
}

// Message represents a single message in the conversation history.
//
// Content may be a plain string or an array of content parts; use
// [Message.StringContent] to extract the text either way. A tool-role message
// must carry ToolCallID, and an assistant message that requests tool calls has
// a null Content.
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// StringContent extracts the textual content of the message. It handles both
// the plain-string form and the content-parts array form, concatenating all
// "text" parts. Returns "" when Content is null or has no text.
func (m Message) StringContent() string {
	switch v := m.Content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		var parts []contentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return ""
		}
		var text string
		for _, p := range parts {
			if p.Type == "text" {
				text += p.Text
			}
		}
		return text
	}
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolDef represents a tool definition advertised by the client.
// Type must be "function".
type ToolDef struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function. Parameters is a JSON schema
// object describing the expected arguments.
type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ToolCall represents an assistant-originated request that the client execute
// a declared function. Arguments is the JSON-encoded argument string, per the
// OpenAI convention.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its raw JSON argument string.
// During streaming, Arguments arrives incrementally across chunks.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// CompletionResponse is the non-streaming chat completion response body.
type CompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is a single completion alternative. The gateway always returns
// exactly one choice at index 0.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage contains token accounting for a completion. When the CLI does not
// report usage, all fields are zero, meaning unknown.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionChunk is one server-sent event of a streaming completion.
// All chunks of one stream share ID and Created.
type CompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is the single choice within a streaming chunk. FinishReason is
// nil on every chunk except the terminal one.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental payload of a chunk. The first chunk of a
// stream carries Role "assistant"; later chunks carry Content text or
// incremental tool-call arguments; the terminal chunk is empty.
type ChunkDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   *string    `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Model is one entry of the /v1/models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response body.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
