// Package translator maps a validated OpenAI chat request plus its session
// context onto one Claude CLI invocation: the prompt transcript, the system
// prompt, and the invocation options. Session context is carried by
// re-prepending the stored transcript to the prompt; the CLI's native
// --resume path is deliberately not used, so ordering is entirely under the
// gateway's control.
package translator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/claude-code-gateway/gateway/internal/claude"
	"github.com/claude-code-gateway/gateway/internal/oai"
	"github.com/claude-code-gateway/gateway/internal/validator"
)

// DefaultMaxTurns is used when neither headers nor session metadata set one.
const DefaultMaxTurns = 2

// Input bundles everything a translation needs.
type Input struct {
	Request oai.ChatRequest
	Headers validator.HeaderOptions

	// History is the session snapshot; nil when the request is sessionless.
	History []oai.Message

	// SessionSystemPrompt and SessionMaxTurns come from session metadata.
	SessionSystemPrompt string
	SessionMaxTurns     int

	// AuthEnv is the auth provider's current environment view.
	AuthEnv map[string]string

	// MaxTimeout caps the subprocess lifetime; Deadline, when non-zero,
	// caps it further to the connection deadline.
	MaxTimeout time.Duration
	Deadline   time.Time
}

// Translate builds the prompt and the CLI options for one completion.
func Translate(in Input) (string, claude.Options) {
	req := in.Request

	systemParts := make([]string, 0, 2)
	if in.SessionSystemPrompt != "" {
		systemParts = append(systemParts, in.SessionSystemPrompt)
	}
	body := req.Messages
	for len(body) > 0 && body[0].Role == oai.RoleSystem {
		if text := body[0].StringContent(); text != "" {
			systemParts = append(systemParts, text)
		}
		body = body[1:]
	}

	var convParts []string
	for _, msg := range in.History {
		if line := renderMessage(msg); line != "" {
			convParts = append(convParts, line)
		}
	}
	for _, msg := range body {
		if line := renderMessage(msg); line != "" {
			convParts = append(convParts, line)
		}
	}

	opts := claude.Options{
		Model:             req.Model,
		SystemPrompt:      strings.Join(systemParts, "\n\n"),
		ToolInstructions:  ToolInstructions(req.Tools, req.ToolChoice),
		MaxTurns:          maxTurns(in),
		PermissionMode:    permissionMode(in),
		MaxThinkingTokens: in.Headers.MaxThinkingTokens,
		Env:               in.AuthEnv,
		Timeout:           timeout(in),
	}
	return strings.Join(convParts, "\n\n"), opts
}

// renderMessage formats one message as a transcript line. System messages
// inside the body (after the leading block) are folded into the transcript so
// their ordering survives.
func renderMessage(msg oai.Message) string {
	switch msg.Role {
	case oai.RoleSystem:
		return fmt.Sprintf("[system]: %s", msg.StringContent())
	case oai.RoleUser:
		return fmt.Sprintf("[user]: %s", msg.StringContent())
	case oai.RoleAssistant:
		text := msg.StringContent()
		if len(msg.ToolCalls) > 0 {
			parts := make([]string, 0, len(msg.ToolCalls)+1)
			if text != "" {
				parts = append(parts, text)
			}
			for _, tc := range msg.ToolCalls {
				callJSON, _ := json.Marshal(map[string]any{
					"id":        tc.ID,
					"name":      tc.Function.Name,
					"arguments": json.RawMessage(tc.Function.Arguments),
				})
				parts = append(parts, fmt.Sprintf("<tool_call>%s</tool_call>", callJSON))
			}
			text = strings.Join(parts, "\n\n")
		}
		return fmt.Sprintf("[assistant]: %s", text)
	case oai.RoleTool:
		// The call id must survive so the CLI can attribute the result.
		return fmt.Sprintf("[tool_result for %s]: %s", msg.ToolCallID, msg.StringContent())
	default:
		return ""
	}
}

func maxTurns(in Input) int {
	if in.Headers.MaxTurns >= 1 {
		return in.Headers.MaxTurns
	}
	if in.SessionMaxTurns >= 1 {
		return in.SessionMaxTurns
	}
	return DefaultMaxTurns
}

func permissionMode(in Input) string {
	if in.Headers.PermissionMode != "" {
		return in.Headers.PermissionMode
	}
	return claude.PermissionDefault
}

func timeout(in Input) time.Duration {
	t := in.MaxTimeout
	if !in.Deadline.IsZero() {
		if remaining := time.Until(in.Deadline); remaining > 0 && (t <= 0 || remaining < t) {
			t = remaining
		}
	}
	return t
}

// ToolInstructions renders client-declared tool schemas as system prompt
// text instructing the model to answer with <tool_call> tags. tool_choice
// "none" suppresses the advertisement entirely; a forced function choice is
// stated as a requirement.
func ToolInstructions(tools []oai.ToolDef, toolChoice any) string {
	if len(tools) == 0 {
		return ""
	}
	if choice, ok := toolChoice.(string); ok && choice == "none" {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Available Tools\n\n")
	b.WriteString("You may call the tools below. To call one, output a <tool_call> tag:\n\n")
	b.WriteString(`<tool_call>{"name": "tool_name", "arguments": {"param": "value"}}</tool_call>`)
	b.WriteString("\n\n")

	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		b.WriteString("### ")
		b.WriteString(tool.Function.Name)
		b.WriteString("\n")
		if tool.Function.Description != "" {
			b.WriteString(tool.Function.Description)
			b.WriteString("\n")
		}
		if tool.Function.Parameters != nil {
			if params, err := json.Marshal(tool.Function.Parameters); err == nil {
				b.WriteString("Parameters: ")
				b.Write(params)
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}

	if name := forcedFunction(toolChoice); name != "" {
		fmt.Fprintf(&b, "You MUST respond with a call to the %q tool.\n", name)
	} else {
		b.WriteString("Call tools only when they are needed to answer.\n")
	}
	return b.String()
}

func forcedFunction(toolChoice any) string {
	tc, ok := toolChoice.(map[string]any)
	if !ok {
		return ""
	}
	fn, ok := tc["function"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := fn["name"].(string)
	return name
}
