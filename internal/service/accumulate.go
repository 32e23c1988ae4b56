package service

import (
	"strings"

	"github.com/claude-code-gateway/gateway/internal/oai"
)

// accumulator folds the event sequence of one completion into OpenAI shapes.
// Tool calls are kept in first-appearance order; later events with a known id
// append to that call's argument string.
type accumulator struct {
	content strings.Builder
	order   []string
	calls   map[string]*oai.ToolCall
	usage   oai.Usage
}

func newAccumulator() *accumulator {
	return &accumulator{calls: make(map[string]*oai.ToolCall)}
}

func (a *accumulator) addText(text string) {
	a.content.WriteString(text)
}

// addToolUse merges one tool-use fragment and reports whether this id is new.
func (a *accumulator) addToolUse(id, name, args string) bool {
	call, ok := a.calls[id]
	if !ok {
		call = &oai.ToolCall{ID: id, Type: "function"}
		a.calls[id] = call
		a.order = append(a.order, id)
	}
	if name != "" {
		call.Function.Name = name
	}
	call.Function.Arguments += args
	return !ok
}

func (a *accumulator) setUsage(prompt, completion int) {
	a.usage = oai.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func (a *accumulator) hasContent() bool {
	return a.content.Len() > 0 || len(a.order) > 0
}

func (a *accumulator) toolCalls() []oai.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]oai.ToolCall, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.calls[id])
	}
	return out
}

// assistantMessage synthesizes the assistant message for the response and the
// session log. Content is null when the turn produced only tool calls.
func (a *accumulator) assistantMessage() oai.Message {
	msg := oai.Message{
		Role:      oai.RoleAssistant,
		ToolCalls: a.toolCalls(),
	}
	if text := a.content.String(); text != "" || len(msg.ToolCalls) == 0 {
		msg.Content = text
	}
	return msg
}
