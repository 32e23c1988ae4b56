// Package service orchestrates chat completions: it assembles the prompt
// from the request and the session transcript, drives one Claude CLI
// invocation, folds the resulting event sequence into an OpenAI response or
// a stream of chunks, and finalizes the session log.
package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/claude-code-gateway/gateway/internal/auth"
	"github.com/claude-code-gateway/gateway/internal/claude"
	"github.com/claude-code-gateway/gateway/internal/oai"
	"github.com/claude-code-gateway/gateway/internal/session"
	"github.com/claude-code-gateway/gateway/internal/translator"
	"github.com/claude-code-gateway/gateway/internal/validator"
)

// EventStream is the lazy event sequence of one CLI invocation. It matches
// [claude.Stream] and lets tests substitute recorded sequences.
type EventStream interface {
	Next() (claude.Event, error)
	Close() error
}

// Runner spawns one CLI invocation. Implemented by [ClientRunner] in
// production and by stubs in tests.
type Runner interface {
	Run(ctx context.Context, prompt string, opts claude.Options) (EventStream, error)
}

// ClientRunner adapts [claude.Client] to the Runner interface.
type ClientRunner struct {
	Client *claude.Client
}

func (r ClientRunner) Run(ctx context.Context, prompt string, opts claude.Options) (EventStream, error) {
	return r.Client.Run(ctx, prompt, opts)
}

// EventSink receives the chunks of one streaming completion, in order. The
// streaming manager implements it on top of the HTTP response. A Send error
// means the client is gone; the service stops and skips the session append.
type EventSink interface {
	Send(chunk oai.CompletionChunk) error
}

// Service is the completion orchestrator.
type Service struct {
	runner   Runner
	store    *session.Store
	provider auth.Provider

	mu         sync.RWMutex
	maxTimeout time.Duration
}

// New creates a service. maxTimeout caps every subprocess; 0 means no
// client-side cap beyond the connection deadline.
func New(runner Runner, store *session.Store, provider auth.Provider, maxTimeout time.Duration) *Service {
	return &Service{
		runner:     runner,
		store:      store,
		provider:   provider,
		maxTimeout: maxTimeout,
	}
}

// SetMaxTimeout updates the timeout cap. Used by config hot reload.
func (s *Service) SetMaxTimeout(d time.Duration) {
	s.mu.Lock()
	s.maxTimeout = d
	s.mu.Unlock()
}

func (s *Service) timeoutCap() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxTimeout
}

// invocation is the prepared state of one completion.
type invocation struct {
	id        string
	created   int64
	prompt    string
	opts      claude.Options
	sessionID string
	// appendMsgs are the request messages destined for the session log,
	// appended together with the synthesized assistant message.
	appendMsgs []oai.Message
	model      string
}

func (s *Service) prepare(ctx context.Context, res *validator.Result) invocation {
	req := res.Request

	var history []oai.Message
	var sessionPrompt string
	var sessionTurns int
	if req.SessionID != "" {
		meta := s.store.GetOrCreate(req.SessionID)
		sessionPrompt = meta.SystemPrompt
		sessionTurns = meta.MaxTurns
		history, _ = s.store.Snapshot(req.SessionID)
	}

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	prompt, opts := translator.Translate(translator.Input{
		Request:             req,
		Headers:             res.Headers,
		History:             history,
		SessionSystemPrompt: sessionPrompt,
		SessionMaxTurns:     sessionTurns,
		AuthEnv:             s.provider.Env(),
		MaxTimeout:          s.timeoutCap(),
		Deadline:            deadline,
	})

	return invocation{
		id:         newCompletionID(),
		created:    time.Now().Unix(),
		prompt:     prompt,
		opts:       opts,
		sessionID:  req.SessionID,
		appendMsgs: bodyMessages(req.Messages),
		model:      req.Model,
	}
}

// Complete runs one non-streaming completion.
func (s *Service) Complete(ctx context.Context, res *validator.Result) (*oai.CompletionResponse, *Error) {
	inv := s.prepare(ctx, res)

	stream, err := s.runner.Run(ctx, inv.prompt, inv.opts)
	if err != nil {
		return nil, mapRunError(err)
	}
	defer func() { _ = stream.Close() }()

	acc := newAccumulator()
	for {
		ev, nextErr := stream.Next()
		if nextErr == io.EOF {
			return nil, newError(KindClaude, "claude CLI stream ended without a result")
		}
		if nextErr != nil {
			if errors.Is(nextErr, context.DeadlineExceeded) {
				return nil, newError(KindTimeout, "request deadline exceeded")
			}
			if errors.Is(nextErr, context.Canceled) {
				// The client is gone; nothing meaningful reaches it, but
				// the kind keeps the access log honest.
				return nil, newError(KindTimeout, "request cancelled before completion")
			}
			return nil, newError(KindInternal, nextErr.Error())
		}

		switch e := ev.(type) {
		case claude.TextDelta:
			acc.addText(e.Text)
		case claude.ToolUse:
			acc.addToolUse(e.ID, e.Name, e.Arguments)
		case claude.Thinking:
			// Reasoning tokens are never forwarded.
		case claude.UsageEvent:
			acc.setUsage(e.PromptTokens, e.CompletionTokens)
		case claude.ErrorEvent:
			return nil, mapEventError(e)
		case claude.End:
			resp := &oai.CompletionResponse{
				ID:      inv.id,
				Object:  "chat.completion",
				Created: inv.created,
				Model:   inv.model,
				Choices: []oai.Choice{{
					Index:        0,
					Message:      acc.assistantMessage(),
					FinishReason: e.Reason,
				}},
				Usage: acc.usage,
			}
			s.finalize(ctx, inv, acc)
			return resp, nil
		}
	}
}

// Stream runs one streaming completion, emitting chunks to sink. A nil
// return means the stream terminated cleanly from the sink's perspective
// (including client disconnect); a non-nil Error must be relayed as an
// in-stream error event by the caller.
func (s *Service) Stream(ctx context.Context, res *validator.Result, sink EventSink) *Error {
	inv := s.prepare(ctx, res)

	stream, err := s.runner.Run(ctx, inv.prompt, inv.opts)
	if err != nil {
		return mapRunError(err)
	}
	defer func() { _ = stream.Close() }()

	// Role-first chunk with empty content.
	empty := ""
	if err := sink.Send(inv.chunk(oai.ChunkDelta{Role: oai.RoleAssistant, Content: &empty}, nil)); err != nil {
		return nil
	}

	acc := newAccumulator()
	for {
		ev, nextErr := stream.Next()
		if nextErr == io.EOF {
			return newError(KindClaude, "claude CLI stream ended without a result")
		}
		if nextErr != nil {
			if errors.Is(nextErr, context.DeadlineExceeded) {
				return s.streamTimeout(inv, acc, sink)
			}
			// Caller cancellation: the client is gone, nothing to write and
			// nothing to persist.
			return nil
		}

		switch e := ev.(type) {
		case claude.TextDelta:
			acc.addText(e.Text)
			text := e.Text
			if err := sink.Send(inv.chunk(oai.ChunkDelta{Content: &text}, nil)); err != nil {
				return nil
			}
		case claude.ToolUse:
			first := acc.addToolUse(e.ID, e.Name, e.Arguments)
			call := oai.ToolCall{Function: oai.FunctionCall{Arguments: e.Arguments}}
			if first {
				call.ID = e.ID
				call.Type = "function"
				call.Function.Name = acc.calls[e.ID].Function.Name
			}
			if err := sink.Send(inv.chunk(oai.ChunkDelta{ToolCalls: []oai.ToolCall{call}}, nil)); err != nil {
				return nil
			}
		case claude.Thinking:
			// Not forwarded.
		case claude.UsageEvent:
			acc.setUsage(e.PromptTokens, e.CompletionTokens)
		case claude.ErrorEvent:
			if e.Kind == claude.ErrKindTimeout {
				return s.streamTimeout(inv, acc, sink)
			}
			return mapEventError(e)
		case claude.End:
			reason := e.Reason
			if err := sink.Send(inv.chunk(oai.ChunkDelta{}, &reason)); err != nil {
				return nil
			}
			s.finalize(ctx, inv, acc)
			return nil
		}
	}
}

// streamTimeout ends a timed-out stream: a terminal "length" chunk when any
// content was produced, otherwise a timeout error for the caller to emit.
func (s *Service) streamTimeout(inv invocation, acc *accumulator, sink EventSink) *Error {
	if !acc.hasContent() {
		return newError(KindTimeout, "request deadline exceeded")
	}
	reason := oai.FinishLength
	_ = sink.Send(inv.chunk(oai.ChunkDelta{}, &reason))
	return nil
}

// finalize appends the turn to the session in one atomic call: the request's
// conversation messages followed by the synthesized assistant message.
// Cancelled requests never reach this point, so partial turns are not
// persisted.
func (s *Service) finalize(ctx context.Context, inv invocation, acc *accumulator) {
	if inv.sessionID == "" || ctx.Err() != nil {
		return
	}
	msgs := append(append([]oai.Message{}, inv.appendMsgs...), acc.assistantMessage())
	if err := s.store.Append(inv.sessionID, msgs); err != nil {
		log.Warnf("session %s append failed: %v", inv.sessionID, err)
	}
}

func (inv invocation) chunk(delta oai.ChunkDelta, finish *string) oai.CompletionChunk {
	return oai.CompletionChunk{
		ID:      inv.id,
		Object:  "chat.completion.chunk",
		Created: inv.created,
		Model:   inv.model,
		Choices: []oai.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func mapRunError(err error) *Error {
	var unresponsive *claude.UnresponsiveError
	switch {
	case errors.Is(err, claude.ErrNotInstalled), errors.As(err, &unresponsive):
		return newError(KindClaudeUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, "request deadline exceeded")
	default:
		return newError(KindInternal, err.Error())
	}
}

func mapEventError(e claude.ErrorEvent) *Error {
	switch e.Kind {
	case claude.ErrKindTimeout:
		return newError(KindTimeout, e.Message)
	default:
		return newError(KindClaude, e.Message)
	}
}

// bodyMessages returns the request messages after the leading system block;
// these are what the session log records for the user side of the turn.
func bodyMessages(msgs []oai.Message) []oai.Message {
	i := 0
	for i < len(msgs) && msgs[i].Role == oai.RoleSystem {
		i++
	}
	out := make([]oai.Message, len(msgs)-i)
	copy(out, msgs[i:])
	return out
}

func newCompletionID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "chatcmpl-" + hex[:8]
}
