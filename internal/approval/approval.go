// Package approval implements human-in-the-loop gating for tool calls. A
// caller suspends on Request until a human answers through Resolve or the
// request times out; timeouts count as rejection.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request describes one pending tool call awaiting a decision.
type Request struct {
	ID        string
	RunID     string
	UserID    string
	ToolName  string
	Arguments map[string]any
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Decision is the human's answer.
type Decision struct {
	Approved  bool
	Reason    string
	DecidedBy string
}

// Store suspends tool calls until a decision arrives.
type Store interface {
	// Request blocks until the request is resolved, expires, or ctx is done.
	// Expiry and ctx cancellation both yield an unapproved decision, except
	// caller cancellation which is returned as the ctx error.
	Request(ctx context.Context, runID, userID, toolName string, args map[string]any) (Decision, error)
	// Resolve answers a pending request by id. Unknown ids are ignored.
	Resolve(id string, approved bool, reason, decidedBy string)
	// Pending lists unresolved requests, oldest first.
	Pending() []Request
}

type pending struct {
	req  Request
	done chan Decision
}

// MemoryStore is the in-process Store. Decisions arrive via Resolve, usually
// from an admin transport outside the engine.
type MemoryStore struct {
	ttl time.Duration

	mu      sync.Mutex
	waiting map[string]*pending
}

// NewMemoryStore builds a store whose requests expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryStore{ttl: ttl, waiting: map[string]*pending{}}
}

// Request implements Store.
func (s *MemoryStore) Request(ctx context.Context, runID, userID, toolName string, args map[string]any) (Decision, error) {
	now := time.Now()
	p := &pending{
		req: Request{
			ID:        uuid.NewString(),
			RunID:     runID,
			UserID:    userID,
			ToolName:  toolName,
			Arguments: args,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		},
		done: make(chan Decision, 1),
	}

	s.mu.Lock()
	s.waiting[p.req.ID] = p
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiting, p.req.ID)
		s.mu.Unlock()
	}()

	timer := time.NewTimer(s.ttl)
	defer timer.Stop()

	select {
	case dec := <-p.done:
		return dec, nil
	case <-timer.C:
		return Decision{Approved: false, Reason: "approval timed out"}, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve implements Store.
func (s *MemoryStore) Resolve(id string, approved bool, reason, decidedBy string) {
	s.mu.Lock()
	p, ok := s.waiting[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.done <- Decision{Approved: approved, Reason: reason, DecidedBy: decidedBy}:
	default: // already resolved
	}
}

// Pending implements Store.
func (s *MemoryStore) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.waiting))
	for _, p := range s.waiting {
		out = append(out, p.req)
	}
	// oldest first
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
