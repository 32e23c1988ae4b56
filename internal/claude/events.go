// Package claude locates and drives the Claude Code CLI. It resolves the
// binary, spawns one subprocess per completion with --output-format=stream-json,
// and decodes the newline-delimited JSON the CLI writes to stdout into a
// normalized event sequence. This package is the only place in the gateway
// that deals with the CLI's wire vocabulary; everything above it consumes
// [Event] values.
package claude

import "time"

// End reasons carried by [End] events.
const (
	EndStop      = "stop"
	EndToolCalls = "tool_calls"
	EndLength    = "length"
)

// Error kinds carried by [ErrorEvent] events.
const (
	ErrKindParse      = "parse_error"
	ErrKindSubprocess = "subprocess_failure"
	ErrKindTimeout    = "timeout"
	ErrKindClaude     = "claude_error"
)

// Event is the normalized form of one unit of CLI output. Concrete types are
// [TextDelta], [Thinking], [ToolUse], [UsageEvent], [ErrorEvent] and [End].
type Event interface {
	event()
}

// TextDelta appends text to the assistant content.
type TextDelta struct {
	Text string
}

// Thinking carries reasoning tokens. These are never forwarded to clients.
type Thinking struct {
	Text string
}

// ToolUse starts or extends a tool call. Events with the same ID concatenate
// their Arguments fragments into that call's argument string. Name is set on
// the first event for a given ID and empty afterwards.
type ToolUse struct {
	ID        string
	Name      string
	Arguments string
}

// UsageEvent sets the token accounting for this completion.
type UsageEvent struct {
	PromptTokens     int
	CompletionTokens int
}

// ErrorEvent fails the completion with the given kind.
type ErrorEvent struct {
	Kind    string
	Message string
}

// End marks the end of the assistant turn. Reason is one of the End* constants.
type End struct {
	Reason string
}

func (TextDelta) event()  {}
func (Thinking) event()   {}
func (ToolUse) event()    {}
func (UsageEvent) event() {}
func (ErrorEvent) event() {}
func (End) event()        {}

// PermissionMode values accepted by the CLI.
const (
	PermissionDefault           = "default"
	PermissionAcceptEdits       = "acceptEdits"
	PermissionBypassPermissions = "bypassPermissions"
)

// Options configures a single CLI invocation.
type Options struct {
	// Model is the Claude model identifier passed via --model.
	Model string

	// SystemPrompt replaces the CLI's default system prompt.
	SystemPrompt string

	// MaxTurns bounds agentic turns (--max-turns). Must be >= 1.
	MaxTurns int

	// ToolInstructions, when non-empty, is appended to the system prompt to
	// advertise client-declared tool schemas.
	ToolInstructions string

	// PermissionMode is one of the Permission* constants.
	PermissionMode string

	// MaxThinkingTokens caps reasoning tokens. 0 leaves the CLI default.
	MaxThinkingTokens int

	// ResumeSessionID, when non-empty, resumes a CLI-native session via
	// --resume. The gateway's session layer does not use this path; it
	// re-prepends transcripts instead.
	ResumeSessionID string

	// CWD is the working directory for the subprocess.
	CWD string

	// Env is overlaid onto the inherited environment, carrying the
	// authentication variables from the auth provider.
	Env map[string]string

	// Timeout bounds the subprocess lifetime from spawn. 0 disables the
	// client-side deadline (the caller's context still applies).
	Timeout time.Duration
}
