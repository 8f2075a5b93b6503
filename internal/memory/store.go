// Package memory persists per-session conversation history. The engine loads
// a window of prior turns before a run and saves the new turns only after a
// successful run.
package memory

import (
	"context"
	"sync"

	"github.com/arc-agents/arcgo/internal/agent"
)

// Store is the conversation history capability the engine consumes.
type Store interface {
	// History returns up to limit most recent messages for the session, in
	// chronological order. limit <= 0 means no limit.
	History(ctx context.Context, sessionID string, limit int) ([]agent.Message, error)
	// Append persists messages at the end of the session transcript.
	Append(ctx context.Context, sessionID string, msgs ...agent.Message) error
	// Clear removes the whole session transcript.
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

// InMemory is a map-backed Store for tests and single-process deployments.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string][]agent.Message
}

// NewInMemory builds an empty in-process store.
func NewInMemory() *InMemory {
	return &InMemory{sessions: map[string][]agent.Message{}}
}

func (s *InMemory) History(_ context.Context, sessionID string, limit int) ([]agent.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.sessions[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]agent.Message(nil), msgs...), nil
}

func (s *InMemory) Append(_ context.Context, sessionID string, msgs ...agent.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], msgs...)
	return nil
}

func (s *InMemory) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *InMemory) Close() error { return nil }
