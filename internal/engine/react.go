package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arc-agents/arcgo/internal/agent"
	"github.com/arc-agents/arcgo/internal/metrics"
	"github.com/arc-agents/arcgo/internal/resilience"
	"github.com/arc-agents/arcgo/internal/tools"
)

// Engine runs the bounded ReAct loop against one ChatModel, with retry,
// circuit breaking and model fallback around every LLM call. One Engine is
// shared across runs; per-run state lives on the stack.
type Engine struct {
	Model        ChatModel
	Orchestrator *Orchestrator
	Retry        resilience.RetryPolicy
	Breaker      *resilience.Breaker
	Fallback     *resilience.Fallback
	Metrics      metrics.Recorder
	// TrimBudget bounds the working history in characters. <= 0 disables
	// trimming.
	TrimBudget int
	// PromptCache forwards a prompt-cache directive on every request for
	// providers that support one.
	PromptCache bool
}

// TurnResult is the outcome of one ReAct turn.
type TurnResult struct {
	Content string
	// NewMessages are the messages this turn appended: the user message,
	// assistant rounds, tool responses and the final assistant answer. They
	// are what the lifecycle persists on success.
	NewMessages []agent.Message
	Usage       agent.Usage
	ToolsUsed   []string
}

// RunReact executes the batch loop: at most cmd.MaxToolCalls+1 LLM rounds.
// When the tool budget is spent, the final round is forced without tools so
// the model must answer. Empty content with no tool calls is an
// INVALID_RESPONSE failure.
func (e *Engine) RunReact(ctx context.Context, rc *agent.RunContext, cmd agent.Command) (TurnResult, error) {
	userMsg := agent.NewUserMessage(cmd.UserPrompt)
	userMsg.Media = cmd.Media

	working := TrimHistory(append(append([]agent.Message(nil), cmd.History...), userMsg), e.TrimBudget)
	newMsgs := []agent.Message{userMsg}

	var counter atomic.Int32
	used := &ToolsUsed{}
	var usage agent.Usage

	schemas := e.schemas()
	if cmd.MaxToolCalls <= 0 {
		schemas = nil
	}

	for round := 0; round <= cmd.MaxToolCalls; round++ {
		resp, err := e.callModel(ctx, e.request(cmd, working, schemas))
		if err != nil {
			return TurnResult{}, err
		}
		usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Content) == "" {
				return TurnResult{}, agent.NewRunError(agent.ErrInvalidResponse,
					errors.New("model returned empty content and no tool calls"))
			}
			final := agent.NewAssistantMessage(resp.Content, nil)
			newMsgs = append(newMsgs, final)
			return TurnResult{
				Content:     resp.Content,
				NewMessages: newMsgs,
				Usage:       usage,
				ToolsUsed:   used.List(),
			}, nil
		}

		assistant := agent.NewAssistantMessage(resp.Content, resp.ToolCalls)
		toolMsgs, err := e.Orchestrator.Run(ctx, rc, resp.ToolCalls, &counter, cmd.MaxToolCalls, used)
		if err != nil {
			return TurnResult{}, err
		}

		working = append(working, assistant)
		working = append(working, toolMsgs...)
		newMsgs = append(newMsgs, assistant)
		newMsgs = append(newMsgs, toolMsgs...)

		// Budget spent: strip tools so the next (final) round must answer.
		if int(counter.Load()) >= cmd.MaxToolCalls {
			schemas = nil
		}
	}

	// The forced final round still requested tools; there is nothing left to
	// offer the model.
	return TurnResult{}, agent.NewRunError(agent.ErrInvalidResponse,
		errors.New("model kept requesting tools after the tool budget was exhausted"))
}

func (e *Engine) request(cmd agent.Command, msgs []agent.Message, schemas []tools.Schema) Request {
	return Request{
		Model:          cmd.Model,
		System:         cmd.SystemPrompt,
		Messages:       msgs,
		Tools:          schemas,
		Temperature:    cmd.Temperature,
		ResponseFormat: cmd.ResponseFormat,
		ResponseSchema: cmd.ResponseSchema,
		PromptCache:    e.PromptCache,
	}
}

func (e *Engine) schemas() []tools.Schema {
	if e.Orchestrator == nil || e.Orchestrator.Registry == nil {
		return nil
	}
	if e.Orchestrator.AllowedTools == nil {
		return e.Orchestrator.Registry.Schemas()
	}
	return e.Orchestrator.Registry.Filter(e.Orchestrator.AllowedTools).Schemas()
}

// callModel wraps one LLM call with the breaker, the retry policy and, on
// terminal failure, the fallback chain. The returned error carries the run
// error kind; cancellation passes through unclassified.
func (e *Engine) callModel(ctx context.Context, req Request) (Response, error) {
	if e.Breaker != nil {
		if err := e.Breaker.Allow(); err != nil {
			return Response{}, agent.NewRunError(agent.ErrCircuitBreakerOpen, err)
		}
	}

	start := time.Now()
	resp, err := resilience.Do(ctx, e.Retry,
		func(ctx context.Context) (Response, error) {
			return e.Model.Call(ctx, req)
		},
		resilience.ClassifyLLMError,
		func(attempt int, delay time.Duration, err error) {
			if e.Metrics != nil {
				e.Metrics.RecordRetry(e.Model.Provider())
			}
		},
	)
	elapsed := time.Since(start)

	if err == nil {
		if e.Breaker != nil {
			e.Breaker.Success()
		}
		if e.Metrics != nil {
			e.Metrics.RecordLLMRequest(e.Model.Provider(), req.Model, "success", elapsed.Seconds(), resp.Usage.Prompt, resp.Usage.Completion)
		}
		return resp, nil
	}

	if agent.IsCancellation(err) || ctx.Err() != nil {
		// Cancellations and deadlines are not breaker failures.
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return Response{}, context.Canceled
		}
		return Response{}, agent.NewRunError(agent.ErrTimeout, err)
	}

	if e.Breaker != nil {
		e.Breaker.Failure()
	}
	if e.Metrics != nil {
		e.Metrics.RecordLLMRequest(e.Model.Provider(), req.Model, "error", elapsed.Seconds(), 0, 0)
	}

	// Terminal failure: try the fallback chain with plain single-shot calls.
	if e.Fallback != nil {
		content, fbErr := e.Fallback.Attempt(ctx,
			func(ctx context.Context, model string) (string, error) {
				fbReq := req
				fbReq.Model = model
				fbReq.Tools = nil
				r, callErr := e.Model.Call(ctx, fbReq)
				return r.Content, callErr
			},
			err, nil)
		if fbErr == nil && content != "" {
			return Response{Content: content}, nil
		}
		if fbErr != nil && agent.IsCancellation(fbErr) {
			return Response{}, fbErr
		}
	}

	return Response{}, classifyTerminal(err)
}

// classifyTerminal maps a terminal LLM failure to its run error kind.
func classifyTerminal(err error) error {
	var pe *resilience.ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.IsRateLimit():
			return agent.NewRunError(agent.ErrRateLimited, err)
		case pe.IsContextTooLong():
			return agent.NewRunError(agent.ErrContextTooLong, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return agent.NewRunError(agent.ErrTimeout, err)
	}
	return agent.NewRunError(agent.ErrUnknown, err)
}
