// Package streaming owns the server-sent-events side of a chat completion:
// framing chunks onto the wire, keeping idle connections alive with comment
// heartbeats, noticing client disconnects, and tracking live streams so
// shutdown can drain them.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/claude-code-gateway/gateway/internal/oai"
)

// DefaultHeartbeatInterval is how long a stream may sit idle before a
// comment line is written to keep intermediaries from closing it.
const DefaultHeartbeatInterval = 15 * time.Second

// ErrClientGone is returned by Send when the client has disconnected.
var ErrClientGone = errors.New("client disconnected")

// Manager tracks live SSE streams. One instance serves the whole server.
type Manager struct {
	heartbeat time.Duration

	mu   sync.Mutex
	live map[*Stream]struct{}
	idle chan struct{}
}

// NewManager creates a manager. interval <= 0 selects the default heartbeat.
func NewManager(interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Manager{
		heartbeat: interval,
		live:      make(map[*Stream]struct{}),
	}
}

// ActiveCount reports the number of streams currently on the wire.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Drain blocks until every live stream finishes or ctx expires. New streams
// can still be opened while draining; the HTTP server stops accepting
// connections separately.
func (m *Manager) Drain(ctx context.Context) error {
	for {
		m.mu.Lock()
		if len(m.live) == 0 {
			m.mu.Unlock()
			return nil
		}
		if m.idle == nil {
			m.idle = make(chan struct{})
		}
		idle := m.idle
		m.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) register(s *Stream) {
	m.mu.Lock()
	m.live[s] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) unregister(s *Stream) {
	m.mu.Lock()
	delete(m.live, s)
	if len(m.live) == 0 && m.idle != nil {
		close(m.idle)
		m.idle = nil
	}
	m.mu.Unlock()
}

// Stream is one live SSE response. It implements the chunk sink used by the
// completion service; Close must always be called, and exactly once ends the
// wire with [DONE] unless the client is already gone.
type Stream struct {
	ctx     context.Context
	writer  gin.ResponseWriter
	flusher http.Flusher

	mu        sync.Mutex
	closed    bool
	gone      bool
	stopBeats chan struct{}
	beatsDone chan struct{}

	manager *Manager
}

// Open starts an SSE response on c. It writes the event-stream headers
// immediately; after Open succeeds the response status can no longer change,
// so callers must have finished validation first.
func (m *Manager) Open(c *gin.Context) (*Stream, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &Stream{
		ctx:       c.Request.Context(),
		writer:    c.Writer,
		flusher:   flusher,
		stopBeats: make(chan struct{}),
		beatsDone: make(chan struct{}),
		manager:   m,
	}
	m.register(s)
	go s.heartbeatLoop(m.heartbeat)
	return s, nil
}

// heartbeatLoop writes an SSE comment on every tick. Data writes share the
// stream mutex, so a heartbeat can never split a data frame.
func (s *Stream) heartbeatLoop(interval time.Duration) {
	defer close(s.beatsDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopBeats:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed && !s.gone {
				if _, err := s.writer.WriteString(": heartbeat\n\n"); err != nil {
					s.gone = true
				} else {
					s.flusher.Flush()
				}
			}
			s.mu.Unlock()
		}
	}
}

// Send writes one chunk as a data frame. ErrClientGone means the client
// disconnected; callers should stop producing.
func (s *Stream) Send(chunk oai.CompletionChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return s.writeFrame(payload)
}

// SendError writes an in-stream error event in the standard error envelope.
// Used for failures that surface after the 200 header is on the wire.
func (s *Stream) SendError(kind, message string) error {
	payload, err := json.Marshal(gin.H{
		"error": gin.H{"message": message, "type": kind},
	})
	if err != nil {
		return err
	}
	return s.writeFrame(payload)
}

func (s *Stream) writeFrame(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone || s.ctx.Err() != nil {
		s.gone = true
		return ErrClientGone
	}
	if s.closed {
		return errors.New("stream closed")
	}
	if _, err := s.writer.WriteString("data: " + string(payload) + "\n\n"); err != nil {
		s.gone = true
		return ErrClientGone
	}
	s.flusher.Flush()
	return nil
}

// Close terminates the stream: stops the heartbeat, writes the [DONE]
// sentinel when the client is still connected, and unregisters from the
// manager. Safe to call once per stream.
func (s *Stream) Close() {
	close(s.stopBeats)
	<-s.beatsDone

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		if !s.gone && s.ctx.Err() == nil {
			if _, err := s.writer.WriteString("data: [DONE]\n\n"); err == nil {
				s.flusher.Flush()
			}
		} else {
			log.Debug("stream closed after client disconnect, skipping [DONE]")
		}
	}
	s.mu.Unlock()

	s.manager.unregister(s)
}
