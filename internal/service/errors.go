package service

import "fmt"

// Error kinds surfaced to the HTTP layer, which maps each kind to a status
// code exactly once.
const (
	KindValidation        = "validation_error"
	KindAuthentication    = "authentication_error"
	KindNotFound          = "not_found"
	KindClaudeUnavailable = "claude_unavailable"
	KindClaude            = "claude_error"
	KindTimeout           = "timeout"
	KindStreaming         = "streaming_error"
	KindInternal          = "internal_error"
)

// Error is a completion failure with its taxonomy kind.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}
