// Package validator checks inbound chat completion requests against the
// OpenAI shape the gateway accepts, produces the per-request compatibility
// report, and extracts the X-Claude-* option headers. Validation always
// happens before any Claude interaction.
package validator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/claude-code-gateway/gateway/internal/claude"
	"github.com/claude-code-gateway/gateway/internal/oai"
	"github.com/claude-code-gateway/gateway/internal/registry"
)

// Violation kinds reported in ValidationError details.
const (
	KindMissing         = "missing"
	KindTypeMismatch    = "type_mismatch"
	KindValueOutOfRange = "value_out_of_range"
	KindEnumViolation   = "enum_violation"
)

// unsupportedParams is the closed set of accepted-and-discarded parameters.
// The compatibility report's unsupported list is exactly the intersection of
// the request's provided fields with this set.
var unsupportedParams = []string{
	"temperature",
	"top_p",
	"n",
	"max_tokens",
	"stop",
	"presence_penalty",
	"frequency_penalty",
	"logit_bias",
}

// supportedParams are the provided fields the gateway honors.
var supportedParams = []string{
	"model",
	"messages",
	"stream",
	"session_id",
	"tools",
	"tool_choice",
	"user",
}

// FieldError describes one per-field validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ValidationError aggregates every field failure of one request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", f.Field, f.Kind, f.Message))
	}
	return "request validation failed: " + strings.Join(parts, "; ")
}

// CompatibilityReport lists which provided parameters the gateway honors,
// which it discards, and advice for callers. Surfaced verbatim by
// /v1/compatibility and /v1/debug/request.
type CompatibilityReport struct {
	SupportedParameters   []string `json:"supported_parameters"`
	UnsupportedParameters []string `json:"unsupported_parameters"`
	Warnings              []string `json:"warnings"`
	Suggestions           []string `json:"suggestions"`
}

// HeaderOptions are the Claude options parsed from custom request headers.
// Header values override any conflicting body field.
type HeaderOptions struct {
	MaxTurns          int
	PermissionMode    string
	MaxThinkingTokens int
}

// Result is a validated request plus its derived artifacts.
type Result struct {
	Request oai.ChatRequest
	Report  CompatibilityReport
	Headers HeaderOptions
}

// Validate checks the raw body and headers. On success it returns the decoded
// request, its compatibility report, and the header options; on failure it
// returns a ValidationError listing every violated field.
func Validate(rawJSON []byte, header http.Header) (*Result, *ValidationError) {
	var fields []FieldError

	var req oai.ChatRequest
	if err := json.Unmarshal(rawJSON, &req); err != nil {
		fields = append(fields, decodeFieldError(err))
		return nil, &ValidationError{Fields: fields}
	}

	fields = append(fields, checkRequest(&req)...)

	headers, headerErrs := parseHeaders(header)
	fields = append(fields, headerErrs...)

	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	return &Result{
		Request: req,
		Report:  buildReport(rawJSON),
		Headers: headers,
	}, nil
}

func decodeFieldError(err error) FieldError {
	if typeErr, ok := err.(*json.UnmarshalTypeError); ok {
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return FieldError{
			Field:   field,
			Kind:    KindTypeMismatch,
			Message: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
		}
	}
	return FieldError{Field: "body", Kind: KindTypeMismatch, Message: "request body is not valid JSON"}
}

func checkRequest(req *oai.ChatRequest) []FieldError {
	var fields []FieldError

	if req.Model == "" {
		fields = append(fields, FieldError{Field: "model", Kind: KindMissing, Message: "model is required"})
	} else if !registry.IsAllowed(req.Model) {
		fields = append(fields, FieldError{
			Field:   "model",
			Kind:    KindEnumViolation,
			Message: fmt.Sprintf("unknown model %q; known models: %s", req.Model, strings.Join(registry.ModelIDs(), ", ")),
		})
	}

	if len(req.Messages) == 0 {
		fields = append(fields, FieldError{Field: "messages", Kind: KindMissing, Message: "messages must be a non-empty array"})
	}
	for i, msg := range req.Messages {
		fields = append(fields, checkMessage(i, msg)...)
	}

	if req.N != nil && *req.N != 1 {
		fields = append(fields, FieldError{
			Field:   "n",
			Kind:    KindValueOutOfRange,
			Message: "only n=1 is supported",
		})
	}

	fields = append(fields, checkTools(req)...)
	return fields
}

func checkMessage(i int, msg oai.Message) []FieldError {
	var fields []FieldError
	prefix := fmt.Sprintf("messages[%d]", i)

	switch msg.Role {
	case oai.RoleSystem, oai.RoleUser, oai.RoleAssistant:
	case oai.RoleTool:
		if msg.ToolCallID == "" {
			fields = append(fields, FieldError{
				Field:   prefix + ".tool_call_id",
				Kind:    KindMissing,
				Message: "tool messages must reference the tool call they answer",
			})
		}
	case "":
		fields = append(fields, FieldError{Field: prefix + ".role", Kind: KindMissing, Message: "role is required"})
	default:
		fields = append(fields, FieldError{
			Field:   prefix + ".role",
			Kind:    KindEnumViolation,
			Message: fmt.Sprintf("role must be one of system, user, assistant, tool; got %q", msg.Role),
		})
	}

	if msg.Role == oai.RoleAssistant && len(msg.ToolCalls) > 0 && msg.Content != nil {
		fields = append(fields, FieldError{
			Field:   prefix + ".content",
			Kind:    KindTypeMismatch,
			Message: "assistant messages with tool_calls must have null content",
		})
	}

	switch msg.Content.(type) {
	case nil, string, []any:
	default:
		fields = append(fields, FieldError{
			Field:   prefix + ".content",
			Kind:    KindTypeMismatch,
			Message: "content must be a string, an array of content parts, or null",
		})
	}
	return fields
}

func checkTools(req *oai.ChatRequest) []FieldError {
	var fields []FieldError

	for i, tool := range req.Tools {
		prefix := fmt.Sprintf("tools[%d]", i)
		if tool.Type != "function" {
			fields = append(fields, FieldError{
				Field:   prefix + ".type",
				Kind:    KindEnumViolation,
				Message: fmt.Sprintf("tool type must be \"function\"; got %q", tool.Type),
			})
		}
		if tool.Function.Name == "" {
			fields = append(fields, FieldError{
				Field:   prefix + ".function.name",
				Kind:    KindMissing,
				Message: "function name is required",
			})
		}
	}

	if req.ToolChoice != nil {
		if !validToolChoice(req.ToolChoice) {
			fields = append(fields, FieldError{
				Field:   "tool_choice",
				Kind:    KindEnumViolation,
				Message: `tool_choice must be "auto", "none", or {"type":"function","function":{"name":...}}`,
			})
		}
	}
	return fields
}

func validToolChoice(v any) bool {
	switch tc := v.(type) {
	case string:
		return tc == "auto" || tc == "none"
	case map[string]any:
		fn, ok := tc["function"].(map[string]any)
		if !ok {
			return false
		}
		name, ok := fn["name"].(string)
		return ok && name != ""
	default:
		return false
	}
}

// buildReport derives the compatibility report from the raw body, so that
// provided-but-discarded fields are detected even when their value is the
// zero value.
func buildReport(rawJSON []byte) CompatibilityReport {
	root := gjson.ParseBytes(rawJSON)
	report := CompatibilityReport{
		SupportedParameters:   []string{},
		UnsupportedParameters: []string{},
		Warnings:              []string{},
		Suggestions:           []string{},
	}

	for _, name := range supportedParams {
		if root.Get(name).Exists() {
			report.SupportedParameters = append(report.SupportedParameters, name)
		}
	}
	for _, name := range unsupportedParams {
		if root.Get(name).Exists() {
			report.UnsupportedParameters = append(report.UnsupportedParameters, name)
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s is not supported by the Claude CLI and will be ignored", name))
		}
	}
	if len(report.UnsupportedParameters) > 0 {
		report.Suggestions = append(report.Suggestions,
			"remove unsupported sampling parameters; the Claude CLI controls sampling itself")
	}
	if root.Get("session_id").Exists() {
		report.Suggestions = append(report.Suggestions,
			"session_id keeps conversation context on the server; resend only new messages per request")
	}
	if len(report.Suggestions) == 0 {
		report.Suggestions = append(report.Suggestions,
			"use X-Claude-Max-Turns, X-Claude-Permission-Mode and X-Claude-Max-Thinking-Tokens headers to tune CLI behavior")
	}
	return report
}

// parseHeaders extracts the X-Claude-* option headers. Header names are
// matched case-insensitively by net/http.
func parseHeaders(header http.Header) (HeaderOptions, []FieldError) {
	var opts HeaderOptions
	var fields []FieldError

	if raw := header.Get("X-Claude-Max-Turns"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			fields = append(fields, FieldError{
				Field:   "X-Claude-Max-Turns",
				Kind:    KindTypeMismatch,
				Message: "must be an integer",
			})
		} else if n < 1 {
			fields = append(fields, FieldError{
				Field:   "X-Claude-Max-Turns",
				Kind:    KindValueOutOfRange,
				Message: "must be >= 1",
			})
		} else {
			opts.MaxTurns = n
		}
	}

	if raw := header.Get("X-Claude-Permission-Mode"); raw != "" {
		switch raw {
		case claude.PermissionDefault, claude.PermissionAcceptEdits, claude.PermissionBypassPermissions:
			opts.PermissionMode = raw
		default:
			fields = append(fields, FieldError{
				Field:   "X-Claude-Permission-Mode",
				Kind:    KindEnumViolation,
				Message: "must be one of default, acceptEdits, bypassPermissions",
			})
		}
	}

	if raw := header.Get("X-Claude-Max-Thinking-Tokens"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			fields = append(fields, FieldError{
				Field:   "X-Claude-Max-Thinking-Tokens",
				Kind:    KindTypeMismatch,
				Message: "must be an integer",
			})
		} else if n < 0 {
			fields = append(fields, FieldError{
				Field:   "X-Claude-Max-Thinking-Tokens",
				Kind:    KindValueOutOfRange,
				Message: "must be >= 0",
			})
		} else {
			opts.MaxThinkingTokens = n
		}
	}
	return opts, fields
}
