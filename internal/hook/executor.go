package hook

import (
	"context"
	"fmt"
	"sort"

	"github.com/arc-agents/arcgo/internal/agent"
)

// Executor runs the registered hook families in order. It is immutable after
// construction and safe for concurrent runs.
type Executor struct {
	beforeAgent []BeforeAgentStart
	afterAgent  []AfterAgentComplete
	beforeTool  []BeforeToolCall
	afterTool   []AfterToolCall
}

// NewExecutor sorts each family by Order (stable, lower first).
func NewExecutor(
	beforeAgent []BeforeAgentStart,
	afterAgent []AfterAgentComplete,
	beforeTool []BeforeToolCall,
	afterTool []AfterToolCall,
) *Executor {
	e := &Executor{
		beforeAgent: append([]BeforeAgentStart(nil), beforeAgent...),
		afterAgent:  append([]AfterAgentComplete(nil), afterAgent...),
		beforeTool:  append([]BeforeToolCall(nil), beforeTool...),
		afterTool:   append([]AfterToolCall(nil), afterTool...),
	}
	sort.SliceStable(e.beforeAgent, func(i, j int) bool { return e.beforeAgent[i].Options().Order < e.beforeAgent[j].Options().Order })
	sort.SliceStable(e.afterAgent, func(i, j int) bool { return e.afterAgent[i].Options().Order < e.afterAgent[j].Options().Order })
	sort.SliceStable(e.beforeTool, func(i, j int) bool { return e.beforeTool[i].Options().Order < e.beforeTool[j].Options().Order })
	sort.SliceStable(e.afterTool, func(i, j int) bool { return e.afterTool[i].Options().Order < e.afterTool[j].Options().Order })
	return e
}

// RunBeforeAgent executes BeforeAgentStart hooks in order. The first
// non-continue decision wins. Hook errors follow the fail-open/fail-close
// contract; cancellation always propagates.
func (e *Executor) RunBeforeAgent(ctx context.Context, rc *agent.RunContext, cmd agent.Command) (Decision, error) {
	for _, h := range e.beforeAgent {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		dec, err := h.BeforeAgentStart(ctx, rc, cmd)
		if err != nil {
			if agent.IsCancellation(err) {
				return Decision{}, err
			}
			if h.Options().FailOnError {
				return Decision{}, agent.NewRunError(agent.ErrHookRejected, fmt.Errorf("before-agent hook: %w", err))
			}
			rc.Logger.Warn("before-agent hook failed, continuing", "error", err)
			continue
		}
		if dec.Action != ActionContinue {
			return dec, nil
		}
	}
	return Continue(), nil
}

// RunAfterAgent executes AfterAgentComplete hooks. Errors never mask the
// primary outcome; they are logged (or returned for fail-close hooks, which
// the lifecycle still refuses to let shadow an existing failure).
func (e *Executor) RunAfterAgent(ctx context.Context, rc *agent.RunContext, cmd agent.Command, res agent.Result) error {
	var firstErr error
	for _, h := range e.afterAgent {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.AfterAgentComplete(ctx, rc, cmd, res); err != nil {
			if agent.IsCancellation(err) {
				return err
			}
			if h.Options().FailOnError && firstErr == nil {
				firstErr = agent.NewRunError(agent.ErrHookRejected, fmt.Errorf("after-agent hook: %w", err))
				continue
			}
			rc.Logger.Warn("after-agent hook failed", "error", err)
		}
	}
	return firstErr
}

// RunBeforeTool executes BeforeToolCall hooks for one call. Modify decisions
// chain: later hooks see the replaced parameters.
func (e *Executor) RunBeforeTool(ctx context.Context, rc *agent.RunContext, call agent.ToolCall) (Decision, agent.ToolCall, error) {
	for _, h := range e.beforeTool {
		if err := ctx.Err(); err != nil {
			return Decision{}, call, err
		}
		dec, err := h.BeforeToolCall(ctx, rc, call)
		if err != nil {
			if agent.IsCancellation(err) {
				return Decision{}, call, err
			}
			if h.Options().FailOnError {
				return Decision{}, call, agent.NewRunError(agent.ErrHookRejected, fmt.Errorf("before-tool hook: %w", err))
			}
			rc.Logger.Warn("before-tool hook failed, continuing", "tool", call.Name, "error", err)
			continue
		}
		switch dec.Action {
		case ActionContinue:
		case ActionModify:
			call.Args = dec.Params
		default:
			return dec, call, nil
		}
	}
	return Continue(), call, nil
}

// RunAfterTool executes AfterToolCall hooks. Always invoked, success or not.
func (e *Executor) RunAfterTool(ctx context.Context, rc *agent.RunContext, call agent.ToolCall, result string, success bool) {
	for _, h := range e.afterTool {
		if ctx.Err() != nil {
			return
		}
		if err := h.AfterToolCall(ctx, rc, call, result, success); err != nil {
			if agent.IsCancellation(err) {
				return
			}
			rc.Logger.Warn("after-tool hook failed", "tool", call.Name, "error", err)
		}
	}
}
