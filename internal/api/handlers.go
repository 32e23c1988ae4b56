package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/claude-code-gateway/gateway/internal/logging"
	"github.com/claude-code-gateway/gateway/internal/oai"
	"github.com/claude-code-gateway/gateway/internal/registry"
	"github.com/claude-code-gateway/gateway/internal/service"
	"github.com/claude-code-gateway/gateway/internal/streaming"
	"github.com/claude-code-gateway/gateway/internal/translator"
	"github.com/claude-code-gateway/gateway/internal/validator"
)

// maxBodySize caps inbound request bodies.
const maxBodySize = 10 << 20

const (
	serviceName    = "claude-code-gateway"
	serviceVersion = "1.0.0"
)

// writeError emits the OpenAI error envelope with the given status.
func writeError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    kind,
		},
	})
}

// writeServiceError maps a completion failure onto its HTTP status.
func writeServiceError(c *gin.Context, err *service.Error) {
	status := http.StatusInternalServerError
	switch err.Kind {
	case service.KindValidation:
		status = http.StatusBadRequest
	case service.KindAuthentication:
		status = http.StatusUnauthorized
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindClaudeUnavailable:
		status = http.StatusServiceUnavailable
	case service.KindClaude:
		status = http.StatusBadGateway
	case service.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	writeError(c, status, err.Kind, err.Message)
}

// writeValidationError reports every violated field. Field-level
// violations are 422; a body that could not be decoded at all is 400.
func writeValidationError(c *gin.Context, verr *validator.ValidationError) {
	status := http.StatusUnprocessableEntity
	for _, f := range verr.Fields {
		if f.Field == "body" {
			status = http.StatusBadRequest
			break
		}
	}
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": verr.Error(),
			"type":    service.KindValidation,
			"details": verr.Fields,
		},
	})
}

// Root describes the service.
func (s *Server) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Claude Code Gateway",
		"version": serviceVersion,
		"endpoints": []string{
			"POST /v1/chat/completions",
			"GET /v1/models",
			"GET /v1/sessions",
			"GET /health",
		},
	})
}

// Health is the liveness probe. It never touches the Claude CLI; the
// subprocess-backed probe lives at /health/claude.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthClaude reports Claude CLI availability plus live counters. The CLI
// resolution is cached, so this does not spawn a subprocess per probe.
func (s *Server) HealthClaude(c *gin.Context) {
	probeCtx, probeCancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer probeCancel()
	verify := s.cli.Verify(probeCtx)

	status := "healthy"
	cliStatus := gin.H{"available": verify.Available}
	if verify.Available {
		cliStatus["version"] = verify.Version
	} else {
		status = "degraded"
		if verify.Err != nil {
			cliStatus["error"] = verify.Err.Error()
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"service":         serviceName,
		"claude_cli":      cliStatus,
		"active_sessions": s.store.Stats().ActiveSessions,
		"active_streams":  s.streams.ActiveCount(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

// Models lists the allowed Claude models in OpenAI list format.
func (s *Server) Models(c *gin.Context) {
	c.JSON(http.StatusOK, oai.ModelList{
		Object: "list",
		Data:   registry.Models(),
	})
}

// ChatCompletions handles POST /v1/chat/completions for both streaming and
// non-streaming requests.
func (s *Server) ChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		writeError(c, http.StatusBadRequest, service.KindValidation, "failed to read request body")
		return
	}

	res, verr := validator.Validate(body, c.Request.Header)
	if verr != nil {
		writeValidationError(c, verr)
		return
	}

	for _, warning := range res.Report.Warnings {
		log.Debugf("compatibility: %s", warning)
	}

	reqLog := log.WithFields(log.Fields{
		"model":   res.Request.Model,
		"session": res.Request.SessionID,
		"stream":  res.Request.Stream,
	})
	start := time.Now()

	if res.Request.Stream {
		s.streamCompletion(c, res)
		reqLog.WithField("latency", time.Since(start).Truncate(time.Millisecond)).Debug("streaming completion finished")
		return
	}

	resp, svcErr := s.svc.Complete(c.Request.Context(), res)
	if svcErr != nil {
		writeServiceError(c, svcErr)
		return
	}
	reqLog.WithFields(log.Fields{
		"id":      resp.ID,
		"latency": time.Since(start).Truncate(time.Millisecond),
	}).Debug("completion finished")
	c.JSON(http.StatusOK, resp)
}

// streamCompletion runs the SSE path. The stream is opened lazily on the
// first chunk, so failures before any output still map to a proper HTTP
// status instead of an in-stream error event.
func (s *Server) streamCompletion(c *gin.Context, res *validator.Result) {
	sink := &lazySink{manager: s.streams, ginCtx: c}

	svcErr := s.svc.Stream(c.Request.Context(), res, sink)
	switch {
	case svcErr == nil:
		sink.close()
	case sink.stream == nil:
		writeServiceError(c, svcErr)
	default:
		// The 200 header is already on the wire; relay as an in-stream
		// error event followed by the terminator.
		_ = sink.stream.SendError(service.KindStreaming, svcErr.Message)
		sink.close()
	}
}

// lazySink defers opening the SSE response until the first chunk arrives.
type lazySink struct {
	manager *streaming.Manager
	ginCtx  *gin.Context
	stream  *streaming.Stream
}

func (l *lazySink) Send(chunk oai.CompletionChunk) error {
	if l.stream == nil {
		stream, err := l.manager.Open(l.ginCtx)
		if err != nil {
			return err
		}
		l.stream = stream
	}
	return l.stream.Send(chunk)
}

func (l *lazySink) close() {
	if l.stream != nil {
		l.stream.Close()
	}
}

// createSessionRequest is the body of POST /v1/sessions; every field is
// optional.
type createSessionRequest struct {
	ID           string `json:"id"`
	SystemPrompt string `json:"system_prompt"`
	MaxTurns     int    `json:"max_turns"`
}

// CreateSession installs a session up front, optionally with metadata that
// later completions inherit.
func (s *Server) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, service.KindValidation, "invalid session body: "+err.Error())
			return
		}
	}
	if req.MaxTurns < 0 {
		writeError(c, http.StatusUnprocessableEntity, service.KindValidation, "max_turns must be >= 0")
		return
	}
	if req.ID == "" {
		req.ID = "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}

	summary := s.store.Create(req.ID, req.SystemPrompt, req.MaxTurns)
	c.JSON(http.StatusCreated, summary)
}

// ListSessions returns summaries of all live sessions.
func (s *Server) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   s.store.List(),
	})
}

// SessionStats reports store totals.
func (s *Server) SessionStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Stats())
}

// GetSession returns one session with its full message log.
func (s *Server) GetSession(c *gin.Context) {
	id := c.Param("id")
	detail, ok := s.store.Get(id)
	if !ok {
		writeError(c, http.StatusNotFound, service.KindNotFound, "session not found: "+id)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// PatchSession updates session metadata.
func (s *Server) PatchSession(c *gin.Context) {
	id := c.Param("id")
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, service.KindValidation, "invalid session body: "+err.Error())
		return
	}
	summary, ok := s.store.UpdateMeta(id, req.SystemPrompt, req.MaxTurns)
	if !ok {
		writeError(c, http.StatusNotFound, service.KindNotFound, "session not found: "+id)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// DeleteSession removes a session synchronously.
func (s *Server) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if !s.store.Delete(id) {
		writeError(c, http.StatusNotFound, service.KindNotFound, "session not found: "+id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "deleted": true})
}

// AuthStatus reports the Claude authentication method in effect alongside
// this server's own auth posture. Values are never included, only variable
// names.
func (s *Server) AuthStatus(c *gin.Context) {
	cfg := s.currentConfig()
	c.JSON(http.StatusOK, gin.H{
		"claude_code_auth": s.provider.Status(),
		"server_info": gin.H{
			"api_key_required": len(cfg.APIKeys) > 0,
			"api_key_source":   cfg.APIKeySource,
			"version":          serviceVersion,
		},
	})
}

// CompatibilityCheck runs the validator on the body and returns the
// per-request compatibility report without invoking Claude.
func (s *Server) CompatibilityCheck(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		writeError(c, http.StatusBadRequest, service.KindValidation, "failed to read request body")
		return
	}

	res, verr := validator.Validate(body, c.Request.Header)
	if verr != nil {
		writeValidationError(c, verr)
		return
	}
	c.JSON(http.StatusOK, res.Report)
}

// Compatibility documents which OpenAI parameters the gateway honors.
func (s *Server) Compatibility(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"supported_parameters":   []string{"model", "messages", "stream", "session_id", "tools", "tool_choice", "user"},
		"unsupported_parameters": []string{"temperature", "top_p", "n", "max_tokens", "stop", "presence_penalty", "frequency_penalty", "logit_bias"},
		"headers": gin.H{
			"X-Claude-Max-Turns":           "maximum agentic turns per completion (integer >= 1)",
			"X-Claude-Permission-Mode":     "default, acceptEdits or bypassPermissions",
			"X-Claude-Max-Thinking-Tokens": "thinking token budget (integer >= 0)",
		},
		"notes": []string{
			"sampling parameters are accepted but ignored; the Claude CLI controls sampling",
			"session_id keeps conversation context on the server between requests",
		},
	})
}

// canonicalChatExample is the known-good request attached to every
// /v1/debug/request response.
const canonicalChatExample = `{"model":"claude-3-5-haiku-20241022","messages":[{"role":"system","content":"You are a helpful assistant."},{"role":"user","content":"Hello!"}],"stream":false}`

// DebugRequest validates a request without executing it and echoes the
// translation the gateway would perform. Credentials in the echoed payload
// are redacted.
func (s *Server) DebugRequest(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		writeError(c, http.StatusBadRequest, service.KindValidation, "failed to read request body")
		return
	}

	res, verr := validator.Validate(body, c.Request.Header)
	if verr != nil {
		c.JSON(http.StatusOK, gin.H{
			"valid":   false,
			"errors":  verr.Fields,
			"example": json.RawMessage(canonicalChatExample),
		})
		return
	}

	prompt, opts := translator.Translate(translator.Input{
		Request: res.Request,
		Headers: res.Headers,
	})

	c.JSON(http.StatusOK, gin.H{
		"valid":         true,
		"compatibility": res.Report,
		"request":       json.RawMessage(logging.Redact(body)),
		"example":       json.RawMessage(canonicalChatExample),
		"translation": gin.H{
			"prompt":          prompt,
			"system_prompt":   opts.SystemPrompt,
			"model":           opts.Model,
			"max_turns":       opts.MaxTurns,
			"permission_mode": opts.PermissionMode,
			"timeout":         opts.Timeout.String(),
		},
	})
}
