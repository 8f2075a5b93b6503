package agent

import "time"

// Usage holds token accounting returned by providers.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.Prompt += other.Prompt
	u.Completion += other.Completion
	u.Total += other.Total
}

// Result is the sole observable outcome of a batch execution. For streaming
// it is computed at stream end, after the token sequence has been delivered.
type Result struct {
	Success      bool
	Content      string
	ErrorKind    ErrorKind // set iff !Success
	ErrorMessage string
	ToolsUsed    []string
	TokenUsage   *Usage // nil when unknown (streaming path)
	Duration     time.Duration
	Metadata     map[string]any
}

// Succeed builds a successful result. Content must be non-empty by the
// contract invariant; callers map empty model output to INVALID_RESPONSE
// before reaching here.
func Succeed(content string, toolsUsed []string, usage *Usage, dur time.Duration) Result {
	return Result{
		Success:    true,
		Content:    content,
		ToolsUsed:  toolsUsed,
		TokenUsage: usage,
		Duration:   dur,
		Metadata:   map[string]any{},
	}
}

// Fail builds a failed result for the given error kind.
func Fail(kind ErrorKind, msg string, dur time.Duration) Result {
	return Result{
		Success:      false,
		ErrorKind:    kind,
		ErrorMessage: msg,
		Duration:     dur,
		Metadata:     map[string]any{},
	}
}
