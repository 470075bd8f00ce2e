// Package store persists interview sessions and audit events.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/spigell/hh-interviewer/internal/domain"
)

// SessionStore keeps session snapshots. Get returns nil, nil for unknown ids.
type SessionStore interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Put(ctx context.Context, id string, s *domain.Session) error
}

// Audit event types.
const (
	EventSessionCreated   = "session_created"
	EventPhaseChanged     = "phase_changed"
	EventQuestionAsked    = "question_asked"
	EventResponseRecorded = "response_recorded"
	EventResponseRejected = "response_rejected"
	EventFollowupAsked    = "followup_asked"
	EventReviewPending    = "review_pending"
	EventReviewResolved   = "review_resolved"
	EventRoundCompleted   = "round_completed"
	EventSessionFinalized = "session_finalized"
)

// AuditEvent is an append-only record of something that happened in a session.
type AuditEvent struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Type       string         `json:"type"`
	Phase      domain.Phase   `json:"phase"`
	RoundIndex int            `json:"round_index"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// AuditSink receives audit events. Record never blocks the caller on I/O and
// never fails the turn.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent)
}

// Fanout sends every event to all sinks.
type Fanout []AuditSink

func (f Fanout) Record(ctx context.Context, ev AuditEvent) {
	for _, sink := range f {
		if sink != nil {
			sink.Record(ctx, ev)
		}
	}
}

// Memory keeps snapshots in process. Snapshots are deep copies, so callers
// never share state with the store.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	data, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeSession(data)
}

func (m *Memory) Put(_ context.Context, id string, s *domain.Session) error {
	data, err := encodeSession(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sessions[id] = data
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored sessions.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func encodeSession(s *domain.Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("session is nil")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}

func decodeSession(data []byte) (*domain.Session, error) {
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}
