// Package session implements the in-memory conversation store. Sessions are
// addressed by a caller-chosen id, hold an append-only message log, expire on
// a sliding TTL, and are reaped by a background sweeper. Nothing is ever
// written to disk.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/claude-code-gateway/gateway/internal/oai"
)

// ErrExpired is returned by Append when the session expired (or was swept)
// between the caller's read and the write.
var ErrExpired = errors.New("session expired")

const (
	// DefaultTTL is the sliding expiry window for a session.
	DefaultTTL = time.Hour

	// DefaultCleanupInterval is how often the sweeper scans for expired
	// sessions.
	DefaultCleanupInterval = 5 * time.Minute
)

// Summary is the public view of one session's bookkeeping.
type Summary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	ExpiresAt    time.Time `json:"expires_at"`
	MessageCount int       `json:"message_count"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	MaxTurns     int       `json:"max_turns,omitempty"`
}

// Detail is a Summary plus the full message log.
type Detail struct {
	Summary
	Messages []oai.Message `json:"messages"`
}

// Stats reports store totals and the sweeper configuration.
type Stats struct {
	ActiveSessions  int    `json:"active_sessions"`
	TotalMessages   int    `json:"total_messages"`
	DefaultTTL      string `json:"default_ttl"`
	CleanupInterval string `json:"cleanup_interval"`
}

// entry is one live session. Its mutex guards every field below id; the
// store's mutex guards only map membership. Request paths never hold the
// store lock while waiting on an entry lock.
type entry struct {
	id string

	mu           sync.Mutex
	createdAt    time.Time
	lastAccessed time.Time
	expiresAt    time.Time
	systemPrompt string
	maxTurns     int
	messages     []oai.Message
}

func (e *entry) expiredLocked(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

func (e *entry) summaryLocked() Summary {
	return Summary{
		ID:           e.id,
		CreatedAt:    e.createdAt,
		LastAccessed: e.lastAccessed,
		ExpiresAt:    e.expiresAt,
		MessageCount: len(e.messages),
		SystemPrompt: e.systemPrompt,
		MaxTurns:     e.maxTurns,
	}
}

// Store is the process-wide session map. Create one with NewStore and stop
// its sweeper with Close on shutdown.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry

	ttl           time.Duration
	sweepInterval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewStore creates a store and starts its sweeper. Zero values select the
// defaults (1 h TTL, 5 min sweep interval).
func NewStore(ttl, sweepInterval time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultCleanupInterval
	}
	s := &Store{
		sessions:      make(map[string]*entry),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		stop:          make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Close stops the sweeper. Sessions remain readable until process exit.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// GetOrCreate returns the session's summary, creating a fresh session when
// the id is unknown or the existing one has expired. An existing live
// session has its last_accessed touched; the TTL is only extended by Append.
func (s *Store) GetOrCreate(id string) Summary {
	now := time.Now()

	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		// Peek at expiry under the store lock is not allowed (entry lock
		// owns it), so decide after swapping locks.
		s.mu.Unlock()
		e.mu.Lock()
		if !e.expiredLocked(now) {
			e.lastAccessed = now
			summary := e.summaryLocked()
			e.mu.Unlock()
			return summary
		}
		e.mu.Unlock()
		s.mu.Lock()
		// Replace only if the map still holds the expired entry; a
		// concurrent GetOrCreate may already have installed a fresh one.
		if cur, still := s.sessions[id]; still && cur == e {
			delete(s.sessions, id)
		}
	}

	if cur, ok2 := s.sessions[id]; ok2 {
		s.mu.Unlock()
		cur.mu.Lock()
		cur.lastAccessed = now
		summary := cur.summaryLocked()
		cur.mu.Unlock()
		return summary
	}

	e = &entry{
		id:           id,
		createdAt:    now,
		lastAccessed: now,
		expiresAt:    now.Add(s.ttl),
	}
	s.sessions[id] = e
	s.mu.Unlock()
	log.Debugf("session created: %s (ttl %s)", id, s.ttl)
	return e.summaryLocked()
}

// Append adds messages to the session's log in one atomic step and extends
// the TTL. Fails with ErrExpired when the session is gone or lapsed.
func (s *Store) Append(id string, msgs []oai.Message) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return ErrExpired
	}

	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expiredLocked(now) {
		return ErrExpired
	}
	e.messages = append(e.messages, msgs...)
	e.lastAccessed = now
	e.expiresAt = now.Add(s.ttl)
	return nil
}

// Snapshot returns a copy of the message log. It does not extend the TTL.
// The second return is false when the session does not exist or has expired.
func (s *Store) Snapshot(id string) ([]oai.Message, bool) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expiredLocked(time.Now()) {
		return nil, false
	}
	out := make([]oai.Message, len(e.messages))
	copy(out, e.messages)
	return out, true
}

// Get returns the full session detail, or false when absent or expired.
func (s *Store) Get(id string) (Detail, bool) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return Detail{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expiredLocked(time.Now()) {
		return Detail{}, false
	}
	msgs := make([]oai.Message, len(e.messages))
	copy(msgs, e.messages)
	return Detail{Summary: e.summaryLocked(), Messages: msgs}, true
}

// Delete removes the session synchronously. Returns false when unknown.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return ok
}

// Create installs a session with optional metadata, replacing any expired
// record under the same id. It is the backing for POST /v1/sessions.
func (s *Store) Create(id, systemPrompt string, maxTurns int) Summary {
	summary := s.GetOrCreate(id)
	if systemPrompt == "" && maxTurns == 0 {
		return summary
	}
	if updated, ok := s.UpdateMeta(id, systemPrompt, maxTurns); ok {
		return updated
	}
	return summary
}

// UpdateMeta patches session metadata. Empty/zero arguments leave the
// corresponding field unchanged.
func (s *Store) UpdateMeta(id, systemPrompt string, maxTurns int) (Summary, bool) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return Summary{}, false
	}

	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expiredLocked(now) {
		return Summary{}, false
	}
	if systemPrompt != "" {
		e.systemPrompt = systemPrompt
	}
	if maxTurns > 0 {
		e.maxTurns = maxTurns
	}
	e.lastAccessed = now
	return e.summaryLocked(), true
}

// List returns summaries of all live sessions ordered by last_accessed
// descending.
func (s *Store) List() []Summary {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	now := time.Now()
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.expiredLocked(now) {
			out = append(out, e.summaryLocked())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessed.After(out[j].LastAccessed)
	})
	return out
}

// Stats returns store totals plus the sweeper configuration.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	now := time.Now()
	stats := Stats{
		DefaultTTL:      s.ttl.String(),
		CleanupInterval: s.sweepInterval.String(),
	}
	for _, e := range entries {
		e.mu.Lock()
		if !e.expiredLocked(now) {
			stats.ActiveSessions++
			stats.TotalMessages += len(e.messages)
		}
		e.mu.Unlock()
	}
	return stats
}

// sweep reaps expired sessions on the configured interval. It holds the
// store lock, takes each candidate's lock, re-checks expiry, and only then
// deletes, so it can never race an in-flight Append.
func (s *Store) sweep() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			removed := s.sweepOnce(time.Now())
			if removed > 0 {
				log.Debugf("session sweeper removed %d expired session(s)", removed)
			}
		}
	}
}

func (s *Store) sweepOnce(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.sessions {
		e.mu.Lock()
		expired := e.expiredLocked(now)
		e.mu.Unlock()
		if expired {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}
