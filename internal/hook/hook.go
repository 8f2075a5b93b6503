// Package hook provides ordered before/after extension points around agent
// and tool lifecycle. Hooks are fail-open by default: a hook error is logged
// and ignored unless the hook opts into FailOnError.
package hook

import (
	"context"

	"github.com/arc-agents/arcgo/internal/agent"
)

// Action tags the outcome of a before-hook.
type Action int

const (
	// ActionContinue proceeds unchanged.
	ActionContinue Action = iota
	// ActionReject aborts the agent run or synthesizes a rejected tool result.
	ActionReject
	// ActionModify replaces tool parameters in flight.
	ActionModify
	// ActionPendingApproval suspends the tool call until a human decides.
	ActionPendingApproval
)

// Decision is the tagged result of a before-hook.
type Decision struct {
	Action  Action
	Reason  string         // Reject
	Params  map[string]any // Modify
	ID      string         // PendingApproval
	Message string         // PendingApproval
}

// Continue is the zero decision.
func Continue() Decision { return Decision{Action: ActionContinue} }

// Reject aborts with a reason.
func Reject(reason string) Decision { return Decision{Action: ActionReject, Reason: reason} }

// Modify replaces tool parameters.
func Modify(params map[string]any) Decision { return Decision{Action: ActionModify, Params: params} }

// PendingApproval defers the call to a human decision.
func PendingApproval(id, message string) Decision {
	return Decision{Action: ActionPendingApproval, ID: id, Message: message}
}

// Options shared by all hook families.
type Options struct {
	Order       int  // lower runs first
	FailOnError bool // true = abort run on hook error
}

// BeforeAgentStart runs before the ReAct loop begins.
type BeforeAgentStart interface {
	Options() Options
	BeforeAgentStart(ctx context.Context, rc *agent.RunContext, cmd agent.Command) (Decision, error)
}

// AfterAgentComplete runs after the result is composed, success or failure.
type AfterAgentComplete interface {
	Options() Options
	AfterAgentComplete(ctx context.Context, rc *agent.RunContext, cmd agent.Command, res agent.Result) error
}

// BeforeToolCall runs before each tool invocation.
type BeforeToolCall interface {
	Options() Options
	BeforeToolCall(ctx context.Context, rc *agent.RunContext, call agent.ToolCall) (Decision, error)
}

// AfterToolCall runs after each tool invocation, success or failure.
type AfterToolCall interface {
	Options() Options
	AfterToolCall(ctx context.Context, rc *agent.RunContext, call agent.ToolCall, result string, success bool) error
}

// Base provides default Options; embed it to get fail-open, order-0 hooks.
type Base struct {
	Opts Options
}

// Options implements the hook option accessor.
func (b Base) Options() Options { return b.Opts }
