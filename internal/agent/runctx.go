package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunContext carries per-run identity and mutable scratch metadata through
// guards, hooks and tool execution. It replaces thread-local logging context:
// the embedded logger already carries the correlation attributes.
type RunContext struct {
	RunID     string
	UserID    string
	SessionID string
	StartedAt time.Time
	Logger    *slog.Logger

	mu       sync.Mutex
	metadata map[string]any
}

// NewRunContext allocates a run context with a fresh run id and a logger
// tagged with the correlation attributes.
func NewRunContext(cmd Command, base *slog.Logger) *RunContext {
	if base == nil {
		base = slog.Default()
	}
	runID := uuid.NewString()
	logger := base.With(
		slog.String("run_id", runID),
		slog.String("user_id", cmd.UserID),
		slog.String("session_id", cmd.SessionID()),
	)
	if name := cmd.AgentName(); name != "" {
		logger = logger.With(slog.String("agent", name))
	}
	return &RunContext{
		RunID:     runID,
		UserID:    cmd.UserID,
		SessionID: cmd.SessionID(),
		StartedAt: time.Now(),
		Logger:    logger,
		metadata:  map[string]any{},
	}
}

// DurationMs returns elapsed wall time since the run started.
func (rc *RunContext) DurationMs() int64 {
	return time.Since(rc.StartedAt).Milliseconds()
}

// SetMeta stores a metadata value. Safe for concurrent hook writers.
func (rc *RunContext) SetMeta(key string, val any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.metadata[key] = val
}

// Meta reads a metadata value.
func (rc *RunContext) Meta(key string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.metadata[key]
	return v, ok
}

// MetaSnapshot copies the metadata map for result composition.
func (rc *RunContext) MetaSnapshot() map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]any, len(rc.metadata))
	for k, v := range rc.metadata {
		out[k] = v
	}
	return out
}
