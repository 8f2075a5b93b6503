package hook

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-agents/arcgo/internal/agent"
)

type fakeBeforeAgent struct {
	Base
	dec    Decision
	err    error
	called *[]string
	name   string
}

func (f *fakeBeforeAgent) BeforeAgentStart(ctx context.Context, rc *agent.RunContext, cmd agent.Command) (Decision, error) {
	*f.called = append(*f.called, f.name)
	return f.dec, f.err
}

type fakeBeforeTool struct {
	Base
	dec Decision
	err error
}

func (f *fakeBeforeTool) BeforeToolCall(ctx context.Context, rc *agent.RunContext, call agent.ToolCall) (Decision, error) {
	return f.dec, f.err
}

type recordBeforeTool struct {
	Base
	sawArgs map[string]any
}

func (f *recordBeforeTool) BeforeToolCall(ctx context.Context, rc *agent.RunContext, call agent.ToolCall) (Decision, error) {
	f.sawArgs = call.Args
	return Continue(), nil
}

func newRC() *agent.RunContext {
	return agent.NewRunContext(agent.Command{UserPrompt: "hi"}, nil)
}

func TestBeforeAgentOrdering(t *testing.T) {
	var called []string
	h1 := &fakeBeforeAgent{Base: Base{Opts: Options{Order: 20}}, dec: Continue(), called: &called, name: "late"}
	h2 := &fakeBeforeAgent{Base: Base{Opts: Options{Order: 10}}, dec: Continue(), called: &called, name: "early"}

	e := NewExecutor([]BeforeAgentStart{h1, h2}, nil, nil, nil)
	dec, err := e.RunBeforeAgent(context.Background(), newRC(), agent.Command{})
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, dec.Action)
	assert.Equal(t, []string{"early", "late"}, called)
}

func TestBeforeAgentRejectStops(t *testing.T) {
	var called []string
	h1 := &fakeBeforeAgent{Base: Base{Opts: Options{Order: 1}}, dec: Reject("not today"), called: &called, name: "rejector"}
	h2 := &fakeBeforeAgent{Base: Base{Opts: Options{Order: 2}}, dec: Continue(), called: &called, name: "never"}

	e := NewExecutor([]BeforeAgentStart{h1, h2}, nil, nil, nil)
	dec, err := e.RunBeforeAgent(context.Background(), newRC(), agent.Command{})
	require.NoError(t, err)
	assert.Equal(t, ActionReject, dec.Action)
	assert.Equal(t, "not today", dec.Reason)
	assert.Equal(t, []string{"rejector"}, called)
}

func TestBeforeAgentFailOpenVsFailClose(t *testing.T) {
	var called []string
	boom := errors.New("boom")

	// Fail-open: error logged, execution continues.
	open := &fakeBeforeAgent{dec: Continue(), err: boom, called: &called, name: "open"}
	e := NewExecutor([]BeforeAgentStart{open}, nil, nil, nil)
	dec, err := e.RunBeforeAgent(context.Background(), newRC(), agent.Command{})
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, dec.Action)

	// Fail-close: error aborts with HOOK_REJECTED.
	closed := &fakeBeforeAgent{Base: Base{Opts: Options{FailOnError: true}}, err: boom, called: &called, name: "closed"}
	e = NewExecutor([]BeforeAgentStart{closed}, nil, nil, nil)
	_, err = e.RunBeforeAgent(context.Background(), newRC(), agent.Command{})
	require.Error(t, err)
	assert.Equal(t, agent.ErrHookRejected, agent.KindOf(err))
}

func TestBeforeAgentCancellationPropagates(t *testing.T) {
	var called []string
	h := &fakeBeforeAgent{err: context.Canceled, called: &called, name: "cancelled"}
	e := NewExecutor([]BeforeAgentStart{h}, nil, nil, nil)
	_, err := e.RunBeforeAgent(context.Background(), newRC(), agent.Command{})
	require.Error(t, err)
	assert.True(t, agent.IsCancellation(err))
}

func TestBeforeToolModifyChains(t *testing.T) {
	modifier := &fakeBeforeTool{
		Base: Base{Opts: Options{Order: 1}},
		dec:  Modify(map[string]any{"city": "Busan"}),
	}
	recorder := &recordBeforeTool{Base: Base{Opts: Options{Order: 2}}}

	e := NewExecutor(nil, nil, []BeforeToolCall{modifier, recorder}, nil)
	dec, call, err := e.RunBeforeTool(context.Background(), newRC(), agent.ToolCall{
		ID: "c1", Name: "weather", Args: map[string]any{"city": "Seoul"},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, dec.Action)
	assert.Equal(t, "Busan", call.Args["city"])
	assert.Equal(t, "Busan", recorder.sawArgs["city"], "later hook sees modified params")
}

func TestBeforeToolPendingApproval(t *testing.T) {
	h := &fakeBeforeTool{dec: PendingApproval("apr-1", "needs sign-off")}
	e := NewExecutor(nil, nil, []BeforeToolCall{h}, nil)
	dec, _, err := e.RunBeforeTool(context.Background(), newRC(), agent.ToolCall{Name: "deploy"})
	require.NoError(t, err)
	assert.Equal(t, ActionPendingApproval, dec.Action)
	assert.Equal(t, "apr-1", dec.ID)
}
