// Package engine drives the ReAct loop: bounded LLM rounds interleaved with
// parallel tool execution, in batch and streaming variants, plus the run
// lifecycle that wraps the loop with guards, hooks, caching and persistence.
package engine

import (
	"context"

	"github.com/arc-agents/arcgo/internal/agent"
	"github.com/arc-agents/arcgo/internal/tools"
)

// Request is one provider-agnostic chat call.
type Request struct {
	Model          string
	System         string
	Messages       []agent.Message
	Tools          []tools.Schema
	Temperature    *float32
	MaxTokens      int
	ResponseFormat agent.ResponseFormat
	ResponseSchema string
	// PromptCache asks the provider to cache the system prompt when it
	// supports an explicit directive (Anthropic cache_control).
	PromptCache bool
}

// Response is the normalized result of one batch chat call.
type Response struct {
	Content      string
	ToolCalls    []agent.ToolCall
	Usage        agent.Usage
	FinishReason string
}

// Chunk is one streaming event. Text deltas arrive incrementally; completed
// tool-call descriptors are delivered once the provider finishes accumulating
// them. Usage is set on the terminal chunk when the provider reports it.
type Chunk struct {
	Text      string
	ToolCalls []agent.ToolCall
	Usage     *agent.Usage
}

// ChatModel abstracts the provider SDK.
type ChatModel interface {
	// Provider returns the provider name for logging and metrics.
	Provider() string
	Call(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}
