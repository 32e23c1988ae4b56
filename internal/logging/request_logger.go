// Package logging wires logrus, Gin, and rotating file output together, and
// provides the verbose request payload logger used in debug deployments.
package logging

import (
	"bytes"
	"io"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// payloadCap bounds how much of a request body verbose logging records.
const payloadCap = 16 << 10

// PayloadLogger logs request payloads when verbose mode is on. The enabled
// flag is atomic so config hot reload can flip it without a restart.
type PayloadLogger struct {
	enabled atomic.Bool
}

// NewPayloadLogger creates a payload logger with the given initial state.
func NewPayloadLogger(enabled bool) *PayloadLogger {
	p := &PayloadLogger{}
	p.enabled.Store(enabled)
	return p
}

// SetEnabled flips verbose payload logging at runtime.
func (p *PayloadLogger) SetEnabled(enabled bool) {
	p.enabled.Store(enabled)
}

// Enabled reports the current state.
func (p *PayloadLogger) Enabled() bool {
	return p.enabled.Load()
}

// Middleware returns the Gin middleware that records request bodies. The
// body is re-buffered so downstream handlers read it unchanged. Credentials
// in the payload are redacted before logging.
func (p *PayloadLogger) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !p.enabled.Load() || c.Request.Body == nil {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, payloadCap+1))
		if err != nil {
			c.Next()
			return
		}
		c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), c.Request.Body))

		logged := body
		truncated := false
		if len(logged) > payloadCap {
			logged = logged[:payloadCap]
			truncated = true
		}
		logged = Redact(logged)

		log.WithFields(log.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"truncated": truncated,
		}).Debugf("request payload: %s", logged)

		c.Next()
	}
}

// Redact strips credential material from a JSON payload before it leaves the
// process in a log line or a debug response.
func Redact(payload []byte) []byte {
	for _, key := range []string{"api_key", "authorization", "token"} {
		if out, err := sjson.SetBytes(payload, key, "[redacted]"); err == nil {
			payload = out
		}
	}
	return payload
}
