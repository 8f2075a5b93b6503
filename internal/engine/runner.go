package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/arc-agents/arcgo/internal/agent"
	"github.com/arc-agents/arcgo/internal/approval"
	"github.com/arc-agents/arcgo/internal/cache"
	"github.com/arc-agents/arcgo/internal/guard"
	"github.com/arc-agents/arcgo/internal/hook"
	"github.com/arc-agents/arcgo/internal/memory"
	"github.com/arc-agents/arcgo/internal/metrics"
	"github.com/arc-agents/arcgo/internal/stream"
)

// RunnerConfig tunes the run lifecycle.
type RunnerConfig struct {
	MaxConcurrentRuns int
	RequestTimeout    time.Duration
	// HistoryWindow is how many prior messages to load from the memory store
	// when the command carries no inline history. 0 loads everything.
	HistoryWindow int
	// EnablePromptCache forwards a prompt-cache directive to providers that
	// support one.
	EnablePromptCache bool
}

// Runner assembles the full per-turn pipeline around the ReAct engine:
// permit, deadline, input guard, hooks, cache, loop, output guard, result
// composition, persistence, metrics. One Runner serves all runs.
type Runner struct {
	Engine      *Engine
	InputGuard  *guard.InputPipeline
	OutputGuard *guard.OutputPipeline
	Hooks       *hook.Executor
	Cache       cache.Cache
	CachePolicy cache.Policy
	Memory      memory.Store
	Metrics     metrics.Recorder
	Resolver    *agent.MessageResolver
	Logger      *slog.Logger
	Config      RunnerConfig

	permits *semaphore.Weighted
}

// NewRunner finishes construction: permit semaphore and defaults.
func NewRunner(r Runner) *Runner {
	if r.Config.MaxConcurrentRuns <= 0 {
		r.Config.MaxConcurrentRuns = 10
	}
	if r.Config.RequestTimeout <= 0 {
		r.Config.RequestTimeout = 2 * time.Minute
	}
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	if r.Metrics == nil {
		r.Metrics = metrics.Nop{}
	}
	if r.Engine != nil {
		r.Engine.PromptCache = r.Config.EnablePromptCache
	}
	r.permits = semaphore.NewWeighted(int64(r.Config.MaxConcurrentRuns))
	return &r
}

// Execute runs one batch turn. The Result is the sole observable outcome;
// the error return is reserved for caller cancellation and invalid commands.
func (r *Runner) Execute(ctx context.Context, cmd agent.Command) (agent.Result, error) {
	if err := cmd.Validate(); err != nil {
		return agent.Result{}, err
	}

	rc := agent.NewRunContext(cmd, r.Logger)
	r.Metrics.RunStarted(cmd.AgentName(), cmd.Channel())

	ctx, cancel := context.WithTimeout(ctx, r.Config.RequestTimeout)
	defer cancel()

	if err := r.permits.Acquire(ctx, 1); err != nil {
		if agent.IsCancellation(err) {
			r.finish(rc, cmd, agent.Result{}, true)
			return agent.Result{}, err
		}
		res := r.fail(rc, agent.ErrTimeout, "timed out waiting for an execution slot")
		r.finish(rc, cmd, res, false)
		return res, nil
	}
	defer r.permits.Release(1)

	res, turnMsgs, err := r.executeGuarded(ctx, rc, cmd)
	if err != nil {
		// Caller cancellation: no result is observable.
		r.finish(rc, cmd, agent.Result{}, true)
		return agent.Result{}, err
	}

	r.runAfterHooks(ctx, rc, cmd, &res)
	r.saveOnSuccess(ctx, rc, cmd, res, turnMsgs)
	r.finish(rc, cmd, res, false)
	return res, nil
}

// executeGuarded is the pipeline between permit acquisition and result
// composition. Cancellation comes back as an error; everything else is a
// composed Result plus the turn messages to persist.
func (r *Runner) executeGuarded(ctx context.Context, rc *agent.RunContext, cmd agent.Command) (agent.Result, []agent.Message, error) {
	cmd = r.loadHistory(ctx, rc, cmd)

	// Input guard (fail-close).
	dec, err := r.InputGuard.Check(ctx, guardCommand(cmd))
	if err != nil {
		res, err := r.timeoutOrCancel(rc, err)
		return res, nil, err
	}
	if dec.Verdict == guard.VerdictRejected {
		rc.Logger.Info("input guard rejected", "stage", dec.Stage, "category", dec.Category)
		r.Metrics.RecordGuardRejection("input", string(dec.Category))
		kind := agent.ErrGuardRejected
		if dec.Category == guard.InputRateLimited {
			kind = agent.ErrRateLimited
		}
		return r.fail(rc, kind, dec.Reason), nil, nil
	}

	// Before-agent hooks.
	hdec, err := r.Hooks.RunBeforeAgent(ctx, rc, cmd)
	if err != nil {
		if agent.IsCancellation(err) {
			return agent.Result{}, nil, err
		}
		return r.failErr(rc, err), nil, nil
	}
	if failRes, err := r.applyBeforeAgent(ctx, rc, &cmd, hdec); err != nil {
		return agent.Result{}, nil, err
	} else if failRes != nil {
		return *failRes, nil, nil
	}

	// Cache lookup for deterministic, tool-free turns.
	key, cacheable := r.cacheKey(cmd)
	if cacheable {
		if entry, ok := r.Cache.Get(key); ok {
			r.Metrics.RecordCacheLookup(true)
			rc.Logger.Debug("response cache hit")
			res := agent.Succeed(entry.Content, entry.ToolsUsed, nil, time.Since(rc.StartedAt))
			res.Metadata = rc.MetaSnapshot()
			res.Metadata["cache_hit"] = true
			return res, nil, nil
		}
		r.Metrics.RecordCacheLookup(false)
	}

	// ReAct loop.
	turn, err := r.Engine.RunReact(ctx, rc, cmd)
	if err != nil {
		if agent.IsCancellation(err) {
			return agent.Result{}, nil, err
		}
		return r.failErr(rc, err), nil, nil
	}

	// Output guard; modified content chains through stages.
	if failRes, err := r.guardOutput(ctx, rc, cmd, &turn); err != nil {
		return agent.Result{}, nil, err
	} else if failRes != nil {
		return *failRes, nil, nil
	}

	usage := turn.Usage
	res := agent.Succeed(turn.Content, turn.ToolsUsed, &usage, time.Since(rc.StartedAt))
	res.Metadata = rc.MetaSnapshot()

	if cacheable {
		r.Cache.Put(key, cache.Entry{Content: turn.Content, ToolsUsed: turn.ToolsUsed})
	}

	return res, turn.NewMessages, nil
}

// ExecuteStream runs one streaming turn. The text channel delivers chunks and
// markers; the result channel yields exactly one terminal Result after the
// text channel closes.
func (r *Runner) ExecuteStream(ctx context.Context, cmd agent.Command) (<-chan string, <-chan agent.Result) {
	out := make(chan string, 64)
	resCh := make(chan agent.Result, 1)

	if err := cmd.Validate(); err != nil {
		out <- stream.ErrorMarker(err.Error())
		close(out)
		resCh <- agent.Fail(agent.ErrUnknown, err.Error(), 0)
		close(resCh)
		return out, resCh
	}

	rc := agent.NewRunContext(cmd, r.Logger)
	r.Metrics.RunStarted(cmd.AgentName(), cmd.Channel())

	go func() {
		defer close(out)
		defer close(resCh)

		ctx, cancel := context.WithTimeout(ctx, r.Config.RequestTimeout)
		defer cancel()

		if err := r.permits.Acquire(ctx, 1); err != nil {
			if agent.IsCancellation(err) {
				r.finish(rc, cmd, agent.Result{}, true)
				return
			}
			res := r.fail(rc, agent.ErrTimeout, "timed out waiting for an execution slot")
			out <- stream.ErrorMarker(res.ErrorMessage)
			r.finish(rc, cmd, res, false)
			resCh <- res
			return
		}
		defer r.permits.Release(1)

		res, turnMsgs := r.executeStreamGuarded(ctx, rc, cmd, out)
		if res == nil {
			// Cancelled: no observable result.
			r.finish(rc, cmd, agent.Result{}, true)
			return
		}

		r.runAfterHooks(ctx, rc, cmd, res)
		// The save runs detached from the run deadline: a slow store must not
		// lose a completed turn.
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer saveCancel()
		r.saveOnSuccess(saveCtx, rc, cmd, *res, turnMsgs)
		r.finish(rc, cmd, *res, false)
		resCh <- *res
	}()

	return out, resCh
}

func (r *Runner) executeStreamGuarded(ctx context.Context, rc *agent.RunContext, cmd agent.Command, out chan<- string) (*agent.Result, []agent.Message) {
	cmd = r.loadHistory(ctx, rc, cmd)

	dec, err := r.InputGuard.Check(ctx, guardCommand(cmd))
	if err != nil {
		if agent.IsCancellation(err) {
			return nil, nil
		}
		res := r.fail(rc, agent.ErrTimeout, err.Error())
		out <- stream.ErrorMarker(res.ErrorMessage)
		return &res, nil
	}
	if dec.Verdict == guard.VerdictRejected {
		r.Metrics.RecordGuardRejection("input", string(dec.Category))
		kind := agent.ErrGuardRejected
		if dec.Category == guard.InputRateLimited {
			kind = agent.ErrRateLimited
		}
		res := r.fail(rc, kind, dec.Reason)
		out <- stream.ErrorMarker(res.ErrorMessage)
		return &res, nil
	}

	hdec, err := r.Hooks.RunBeforeAgent(ctx, rc, cmd)
	if err != nil {
		if agent.IsCancellation(err) {
			return nil, nil
		}
		res := r.failErr(rc, err)
		out <- stream.ErrorMarker(res.ErrorMessage)
		return &res, nil
	}
	if failRes, err := r.applyBeforeAgent(ctx, rc, &cmd, hdec); err != nil {
		return nil, nil
	} else if failRes != nil {
		out <- stream.ErrorMarker(failRes.ErrorMessage)
		return failRes, nil
	}

	turn, err := r.Engine.RunReactStream(ctx, rc, cmd, out)
	if err != nil {
		if agent.IsCancellation(err) {
			return nil, nil
		}
		res := r.failErr(rc, err)
		out <- stream.ErrorMarker(res.ErrorMessage)
		return &res, nil
	}

	// The output pipeline runs over the assembled final text. Raw deltas have
	// already been delivered downstream; what the guard controls is the
	// terminal result and everything that gets persisted.
	if failRes, err := r.guardOutput(ctx, rc, cmd, &turn); err != nil {
		return nil, nil
	} else if failRes != nil {
		out <- stream.ErrorMarker(failRes.ErrorMessage)
		return failRes, nil
	}

	// Token usage is unknown on the streaming path.
	res := agent.Succeed(turn.Content, turn.ToolsUsed, nil, time.Since(rc.StartedAt))
	res.Metadata = rc.MetaSnapshot()
	return &res, turn.NewMessages
}

// loadHistory fills cmd.History from the memory store when the command names
// a session and carries no inline history.
func (r *Runner) loadHistory(ctx context.Context, rc *agent.RunContext, cmd agent.Command) agent.Command {
	if r.Memory == nil || len(cmd.History) > 0 || cmd.SessionID() == "" {
		return cmd
	}
	history, err := r.Memory.History(ctx, cmd.SessionID(), r.Config.HistoryWindow)
	if err != nil {
		rc.Logger.Warn("failed to load session history", "error", err)
		return cmd
	}
	cmd.History = history
	return cmd
}

// saveOnSuccess persists the turn iff the run succeeded. Save failures are
// logged; they never mask the primary outcome.
func (r *Runner) saveOnSuccess(ctx context.Context, rc *agent.RunContext, cmd agent.Command, res agent.Result, msgs []agent.Message) {
	if !res.Success || r.Memory == nil || cmd.SessionID() == "" {
		return
	}
	if len(msgs) == 0 {
		// Cache hits carry no new turn messages; persist the bare exchange.
		msgs = []agent.Message{
			agent.NewUserMessage(cmd.UserPrompt),
			agent.NewAssistantMessage(res.Content, nil),
		}
	}
	if err := r.Memory.Append(ctx, cmd.SessionID(), msgs...); err != nil {
		rc.Logger.Error("failed to save session history", "error", err)
	}
}

// runAfterHooks fires AfterAgentComplete; a fail-close hook error replaces a
// successful outcome but never masks an existing failure.
func (r *Runner) runAfterHooks(ctx context.Context, rc *agent.RunContext, cmd agent.Command, res *agent.Result) {
	err := r.Hooks.RunAfterAgent(ctx, rc, cmd, *res)
	if err == nil || agent.IsCancellation(err) {
		return
	}
	if res.Success {
		*res = r.failErr(rc, err)
	} else {
		rc.Logger.Warn("after-agent hook failed after run failure", "error", err)
	}
}

func (r *Runner) cacheKey(cmd agent.Command) (string, bool) {
	if r.Cache == nil {
		return "", false
	}
	reg := r.Engine.Orchestrator.Registry
	toolCount := 0
	var names []string
	if reg != nil {
		names = reg.Names()
		toolCount = reg.Len()
	}
	if !r.CachePolicy.Eligible(cmd.Temperature, toolCount) {
		return "", false
	}
	return cache.Key(cmd.SystemPrompt, cmd.UserPrompt, names, cmd.Model), true
}

// guardOutput runs the output pipeline over the turn, rewriting its content
// (and the persisted assistant message) in place. A non-nil Result is a
// composed failure; a non-nil error is caller cancellation.
func (r *Runner) guardOutput(ctx context.Context, rc *agent.RunContext, cmd agent.Command, turn *TurnResult) (*agent.Result, error) {
	content, odec, err := r.OutputGuard.Check(ctx, guard.OutputContext{
		Content:    turn.Content,
		Command:    guardCommand(cmd),
		ToolsUsed:  turn.ToolsUsed,
		DurationMs: rc.DurationMs(),
	})
	if err != nil {
		if agent.IsCancellation(err) {
			return nil, err
		}
		res := r.fail(rc, agent.ErrTimeout, err.Error())
		return &res, nil
	}
	if odec.Verdict == guard.VerdictRejected {
		r.Metrics.RecordGuardRejection("output", string(odec.Category))
		kind := agent.ErrOutputGuardRejected
		if odec.TooShort {
			kind = agent.ErrOutputTooShort
		}
		res := r.fail(rc, kind, odec.Reason)
		return &res, nil
	}
	turn.Content = content
	if n := len(turn.NewMessages); n > 0 && turn.NewMessages[n-1].Role == agent.RoleAssistant {
		turn.NewMessages[n-1].Content = content
	}
	return nil, nil
}

// applyBeforeAgent resolves a before-agent hook decision. Modify merges the
// hook's params into the command metadata; PendingApproval gates the whole
// run on the approval store before the loop starts, with denial surfacing as
// HOOK_REJECTED. A non-nil Result is a composed failure; a non-nil error is
// caller cancellation.
func (r *Runner) applyBeforeAgent(ctx context.Context, rc *agent.RunContext, cmd *agent.Command, dec hook.Decision) (*agent.Result, error) {
	switch dec.Action {
	case hook.ActionReject:
		res := r.fail(rc, agent.ErrHookRejected, dec.Reason)
		return &res, nil
	case hook.ActionModify:
		if len(dec.Params) > 0 {
			meta := make(map[string]any, len(cmd.Metadata)+len(dec.Params))
			for k, v := range cmd.Metadata {
				meta[k] = v
			}
			for k, v := range dec.Params {
				meta[k] = v
				// Mirrored into the run metadata so the result reports what
				// the hook changed.
				rc.SetMeta(k, v)
			}
			cmd.Metadata = meta
		}
	case hook.ActionPendingApproval:
		approvals := r.approvals()
		if approvals == nil {
			res := r.fail(rc, agent.ErrHookRejected, "no approval store configured")
			return &res, nil
		}
		start := time.Now()
		adec, err := approvals.Request(ctx, rc.RunID, cmd.UserID, "agent_start", cmd.Metadata)
		waited := time.Since(start)
		rc.SetMeta("hitl_wait_ms_agent_start", waited.Milliseconds())
		r.Metrics.RecordApprovalWait("agent_start", waited.Seconds())
		if err != nil {
			if agent.IsCancellation(err) {
				return nil, err
			}
			res := r.failErr(rc, err)
			return &res, nil
		}
		if !adec.Approved {
			reason := adec.Reason
			if reason == "" {
				reason = "approval denied"
			}
			res := r.fail(rc, agent.ErrHookRejected, reason)
			return &res, nil
		}
	}
	return nil, nil
}

func (r *Runner) approvals() approval.Store {
	if r.Engine == nil || r.Engine.Orchestrator == nil {
		return nil
	}
	return r.Engine.Orchestrator.Approvals
}

func (r *Runner) fail(rc *agent.RunContext, kind agent.ErrorKind, original string) agent.Result {
	res := agent.Fail(kind, r.Resolver.Resolve(kind, original), time.Since(rc.StartedAt))
	res.Metadata = rc.MetaSnapshot()
	return res
}

func (r *Runner) failErr(rc *agent.RunContext, err error) agent.Result {
	kind := agent.KindOf(err)
	return r.fail(rc, kind, err.Error())
}

func (r *Runner) timeoutOrCancel(rc *agent.RunContext, err error) (agent.Result, error) {
	if agent.IsCancellation(err) {
		return agent.Result{}, err
	}
	return r.fail(rc, agent.ErrTimeout, err.Error()), nil
}

func (r *Runner) finish(rc *agent.RunContext, cmd agent.Command, res agent.Result, cancelled bool) {
	outcome := "cancelled"
	if !cancelled {
		if res.Success {
			outcome = "success"
		} else {
			outcome = string(res.ErrorKind)
		}
	}
	r.Metrics.RunFinished(cmd.AgentName(), cmd.Channel(), outcome, time.Since(rc.StartedAt).Seconds())
	rc.Logger.Info("run finished", "outcome", outcome, "duration_ms", rc.DurationMs())
}

func guardCommand(cmd agent.Command) guard.Command {
	return guard.Command{
		Text:     cmd.UserPrompt,
		UserID:   cmd.UserID,
		Channel:  cmd.Channel(),
		Metadata: cmd.Metadata,
	}
}
