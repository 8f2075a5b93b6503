package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arc-agents/arcgo/internal/agent"
	"github.com/arc-agents/arcgo/internal/approval"
	"github.com/arc-agents/arcgo/internal/hook"
	"github.com/arc-agents/arcgo/internal/metrics"
	"github.com/arc-agents/arcgo/internal/tools"
)

// ToolsUsed accumulates the names of tools that actually ran, across a run.
// Safe for the orchestrator's concurrent writers.
type ToolsUsed struct {
	mu    sync.Mutex
	names []string
}

func (u *ToolsUsed) add(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.names = append(u.names, name)
}

// List returns a copy of the accumulated names in confirmation order.
func (u *ToolsUsed) List() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.names...)
}

// Orchestrator executes one batch of tool calls requested in a single LLM
// round. Calls run in parallel; a failing call never cancels its siblings.
// Every call produces a tool message, positionally matching the request, so
// the history keeps pair integrity no matter what happened.
type Orchestrator struct {
	Registry  *tools.Registry
	Hooks     *hook.Executor
	Approvals approval.Store
	// RequiresApproval gates tool calls behind the approval store. Nil means
	// no call needs approval.
	RequiresApproval func(name string, args map[string]any) bool
	Sanitizer        tools.OutputSanitizer
	DefaultTimeout   time.Duration
	// AllowedTools restricts this run's callable set. Nil allows everything
	// registered.
	AllowedTools map[string]struct{}
	Metrics      metrics.Recorder
}

// Run executes calls concurrently. counter is the run-wide dispatch counter
// shared across rounds; maxToolCalls bounds it. The returned messages answer
// the calls in request order. An error is returned only for cancellation or a
// fail-close hook failure; ordinary tool failures become message content.
func (o *Orchestrator) Run(
	ctx context.Context,
	rc *agent.RunContext,
	calls []agent.ToolCall,
	counter *atomic.Int32,
	maxToolCalls int,
	used *ToolsUsed,
) ([]agent.Message, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	msgs := make([]agent.Message, len(calls))
	errs := make([]error, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call agent.ToolCall) {
			defer wg.Done()
			content, err := o.runOne(ctx, rc, call, i, counter, maxToolCalls, used)
			if err != nil {
				errs[i] = err
				content = "Error: " + err.Error()
			}
			msgs[i] = agent.NewToolMessage(call.ID, content)
		}(i, call)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil && agent.IsCancellation(err) {
			return nil, err
		}
	}
	for _, err := range errs {
		var re *agent.RunError
		if errors.As(err, &re) {
			return nil, err
		}
	}
	return msgs, nil
}

// runOne handles a single call end to end: counter, allowlist, before-hooks,
// approval, invocation under timeout, sanitization, after-hook.
func (o *Orchestrator) runOne(
	ctx context.Context,
	rc *agent.RunContext,
	call agent.ToolCall,
	idx int,
	counter *atomic.Int32,
	maxToolCalls int,
	used *ToolsUsed,
) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if int(counter.Add(1)) > maxToolCalls {
		return fmt.Sprintf("Maximum tool call limit (%d) reached", maxToolCalls), nil
	}

	if o.AllowedTools != nil {
		if _, ok := o.AllowedTools[call.Name]; !ok {
			o.record(call.Name, "error", 0)
			return fmt.Sprintf("Tool '%s' is not allowed for this request", call.Name), nil
		}
	}

	dec, call, err := o.Hooks.RunBeforeTool(ctx, rc, call)
	if err != nil {
		return "", err
	}
	switch dec.Action {
	case hook.ActionReject:
		o.afterHook(ctx, rc, call, dec.Reason, false)
		return "Tool call rejected: " + dec.Reason, nil
	case hook.ActionPendingApproval:
		approved, reason, err := o.awaitApproval(ctx, rc, call, idx)
		if err != nil {
			return "", err
		}
		if !approved {
			o.record(call.Name, "error", 0)
			o.afterHook(ctx, rc, call, reason, false)
			return "Tool call rejected: " + reason, nil
		}
	default:
		if o.RequiresApproval != nil && o.RequiresApproval(call.Name, call.Args) {
			approved, reason, err := o.awaitApproval(ctx, rc, call, idx)
			if err != nil {
				return "", err
			}
			if !approved {
				o.record(call.Name, "error", 0)
				o.afterHook(ctx, rc, call, reason, false)
				return "Tool call rejected: " + reason, nil
			}
		}
	}

	tool, ok := o.Registry.Lookup(call.Name)
	if !ok {
		o.record(call.Name, "error", 0)
		msg := fmt.Sprintf("Error: tool '%s' is not registered", call.Name)
		o.afterHook(ctx, rc, call, msg, false)
		return msg, nil
	}

	// Confirmed: the tool exists and will run, so it counts as used. This
	// ordering keeps hallucinated tool names out of toolsUsed.
	used.add(call.Name)

	start := time.Now()
	output, invokeErr := o.invoke(ctx, tool, call)
	elapsed := time.Since(start)

	if invokeErr != nil {
		if agent.IsCancellation(invokeErr) {
			return "", invokeErr
		}
		o.record(call.Name, "error", elapsed.Seconds())
		msg := "Error: " + invokeErr.Error()
		o.afterHook(ctx, rc, call, msg, false)
		return msg, nil
	}

	if o.Sanitizer != nil {
		// Sanitize before the after-hook so no observer sees raw output.
		output = o.Sanitizer.Sanitize(call.Name, output)
	}
	o.record(call.Name, "success", elapsed.Seconds())
	o.afterHook(ctx, rc, call, output, true)
	return output, nil
}

// invoke runs the tool under its own timeout (falling back to the engine
// default). A per-tool deadline is reported as a timeout message; parent
// cancellation is re-raised untouched.
func (o *Orchestrator) invoke(ctx context.Context, tool tools.Tool, call agent.ToolCall) (string, error) {
	if err := tool.ValidateArgs(call.Args); err != nil {
		return "", err
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = o.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := tool.Fn(toolCtx, call.Args)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if toolCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("Tool '%s' timed out after %dms", call.Name, timeout.Milliseconds())
		}
		return "", err
	}
	return output, nil
}

// awaitApproval blocks on the approval store and records the wait time in the
// run metadata.
func (o *Orchestrator) awaitApproval(ctx context.Context, rc *agent.RunContext, call agent.ToolCall, idx int) (bool, string, error) {
	if o.Approvals == nil {
		return false, "no approval store configured", nil
	}
	start := time.Now()
	dec, err := o.Approvals.Request(ctx, rc.RunID, rc.UserID, call.Name, call.Args)
	waited := time.Since(start)
	rc.SetMeta(fmt.Sprintf("hitl_wait_ms_%s_%d", call.Name, idx), waited.Milliseconds())
	if o.Metrics != nil {
		o.Metrics.RecordApprovalWait(call.Name, waited.Seconds())
	}
	if err != nil {
		return false, "", err
	}
	reason := dec.Reason
	if !dec.Approved && reason == "" {
		reason = "approval denied"
	}
	return dec.Approved, reason, nil
}

func (o *Orchestrator) afterHook(ctx context.Context, rc *agent.RunContext, call agent.ToolCall, result string, success bool) {
	o.Hooks.RunAfterTool(ctx, rc, call, result, success)
}

func (o *Orchestrator) record(name, status string, seconds float64) {
	if o.Metrics != nil {
		o.Metrics.RecordToolExecution(name, status, seconds)
	}
}
