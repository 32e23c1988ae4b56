package claude

import (
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// lineParser maps one NDJSON line of CLI stdout to zero or more normalized
// events. The CLI emits four top-level record types: "system" (session
// metadata), "stream_event" (incremental Anthropic-style events when
// --include-partial-messages is set), "assistant" (a complete message), and
// "result" (the final summary). The parser keeps just enough state to
// attribute tool-argument fragments to their tool id and to avoid replaying a
// complete assistant message whose content already arrived as deltas.
type lineParser struct {
	// blockTools maps a content block index to its tool-use id.
	blockTools map[int64]string

	// sawDelta is set once any content arrives via stream_event, so the
	// trailing assistant record is not emitted twice.
	sawDelta bool

	// sawEnd is set once an End or ErrorEvent was produced.
	sawEnd bool

	// stopReason is the most recent CLI stop reason, mapped on "result".
	stopReason string

	sessionID string
}

func newLineParser() *lineParser {
	return &lineParser{blockTools: make(map[int64]string)}
}

// parseLine decodes one line. Unknown record and event types are skipped;
// a line that is not a JSON object is a parse error.
func (p *lineParser) parseLine(line []byte) ([]Event, error) {
	if !gjson.ValidBytes(line) {
		return nil, fmt.Errorf("invalid JSON line: %q", truncate(string(line), 200))
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return nil, fmt.Errorf("unexpected non-object line: %q", truncate(string(line), 200))
	}

	switch root.Get("type").String() {
	case "system":
		if id := root.Get("session_id"); id.Exists() {
			p.sessionID = id.String()
		}
		return nil, nil
	case "stream_event":
		return p.parseStreamEvent(root.Get("event")), nil
	case "assistant":
		return p.parseAssistant(root.Get("message")), nil
	case "result":
		return p.parseResult(root), nil
	default:
		return nil, nil
	}
}

func (p *lineParser) parseStreamEvent(ev gjson.Result) []Event {
	switch ev.Get("type").String() {
	case "content_block_start":
		block := ev.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			return nil
		}
		idx := ev.Get("index").Int()
		id := block.Get("id").String()
		p.blockTools[idx] = id
		p.sawDelta = true
		return []Event{ToolUse{ID: id, Name: block.Get("name").String()}}

	case "content_block_delta":
		delta := ev.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			p.sawDelta = true
			return []Event{TextDelta{Text: delta.Get("text").String()}}
		case "thinking_delta":
			p.sawDelta = true
			return []Event{Thinking{Text: delta.Get("thinking").String()}}
		case "input_json_delta":
			idx := ev.Get("index").Int()
			id, ok := p.blockTools[idx]
			if !ok {
				// Fragment for a block we never saw start; attribute it to a
				// synthetic id so nothing is silently dropped.
				id = "toolu_block_" + strconv.FormatInt(idx, 10)
				p.blockTools[idx] = id
			}
			p.sawDelta = true
			return []Event{ToolUse{ID: id, Arguments: delta.Get("partial_json").String()}}
		}
		return nil

	case "message_delta":
		if reason := ev.Get("delta.stop_reason"); reason.Exists() {
			p.stopReason = reason.String()
		}
		return nil

	default:
		return nil
	}
}

// parseAssistant replays a complete assistant message. It only fires when no
// stream deltas were seen, which is the non-partial-output mode of the CLI.
func (p *lineParser) parseAssistant(msg gjson.Result) []Event {
	if p.sawDelta {
		if reason := msg.Get("stop_reason"); reason.Exists() {
			p.stopReason = reason.String()
		}
		return nil
	}

	var events []Event
	msg.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			events = append(events, TextDelta{Text: block.Get("text").String()})
		case "thinking":
			events = append(events, Thinking{Text: block.Get("thinking").String()})
		case "tool_use":
			events = append(events, ToolUse{
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: block.Get("input").Raw,
			})
		}
		return true
	})
	if reason := msg.Get("stop_reason"); reason.Exists() {
		p.stopReason = reason.String()
	}
	return events
}

func (p *lineParser) parseResult(root gjson.Result) []Event {
	var events []Event

	if usage := root.Get("usage"); usage.Exists() {
		events = append(events, UsageEvent{
			PromptTokens:     int(usage.Get("input_tokens").Int()),
			CompletionTokens: int(usage.Get("output_tokens").Int()),
		})
	}

	if root.Get("is_error").Bool() {
		p.sawEnd = true
		msg := root.Get("result").String()
		if msg == "" {
			msg = "claude CLI reported an error"
		}
		return append(events, ErrorEvent{Kind: ErrKindClaude, Message: msg})
	}

	reason := p.stopReason
	if r := root.Get("stop_reason"); r.Exists() && r.String() != "" {
		reason = r.String()
	}
	p.sawEnd = true
	return append(events, End{Reason: mapStopReason(reason)})
}

// mapStopReason converts the CLI's Anthropic-style stop reasons to the
// gateway's finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return EndToolCalls
	case "max_tokens":
		return EndLength
	default:
		return EndStop
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
