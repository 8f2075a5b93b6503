package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arc-agents/arcgo/internal/agent"
	"github.com/arc-agents/arcgo/internal/resilience"
	"github.com/arc-agents/arcgo/internal/stream"
)

// RunReactStream executes the streaming variant of the loop. Text deltas are
// forwarded to out as they arrive; tool calls are buffered until the round
// ends, then run through the orchestrator bracketed by tool_start/tool_end
// markers. Only the final round's text is persisted. Token usage is not
// computed on this path; the provider gap is recorded, not fabricated.
//
// Retries only wrap call creation: once a stream is open, a mid-stream
// failure is terminal.
func (e *Engine) RunReactStream(ctx context.Context, rc *agent.RunContext, cmd agent.Command, out chan<- string) (TurnResult, error) {
	userMsg := agent.NewUserMessage(cmd.UserPrompt)
	userMsg.Media = cmd.Media

	working := TrimHistory(append(append([]agent.Message(nil), cmd.History...), userMsg), e.TrimBudget)
	newMsgs := []agent.Message{userMsg}

	var counter atomic.Int32
	used := &ToolsUsed{}

	schemas := e.schemas()
	if cmd.MaxToolCalls <= 0 {
		schemas = nil
	}

	for round := 0; round <= cmd.MaxToolCalls; round++ {
		if e.Breaker != nil {
			if err := e.Breaker.Allow(); err != nil {
				return TurnResult{}, agent.NewRunError(agent.ErrCircuitBreakerOpen, err)
			}
		}

		st, err := e.openStream(ctx, e.request(cmd, working, schemas))
		if err != nil {
			if agent.IsCancellation(err) {
				return TurnResult{}, streamAbort(err)
			}
			if e.Breaker != nil {
				e.Breaker.Failure()
			}
			return TurnResult{}, classifyTerminal(err)
		}
		chunks, errCh := st.chunks, st.errCh

		var roundText strings.Builder
		var toolCalls []agent.ToolCall

		if st.first != nil {
			if st.first.Text != "" {
				roundText.WriteString(st.first.Text)
				if err := emit(ctx, out, st.first.Text); err != nil {
					return TurnResult{}, err
				}
			}
			toolCalls = append(toolCalls, st.first.ToolCalls...)
		}

	consume:
		for {
			select {
			case <-ctx.Done():
				return TurnResult{}, streamAbort(ctx.Err())
			case err, ok := <-errCh:
				if !ok {
					// Closed error channel blocks future selects.
					errCh = nil
					continue
				}
				if err != nil {
					if agent.IsCancellation(err) {
						return TurnResult{}, err
					}
					if e.Breaker != nil {
						e.Breaker.Failure()
					}
					return TurnResult{}, classifyTerminal(err)
				}
			case chunk, ok := <-chunks:
				if !ok {
					break consume
				}
				if chunk.Text != "" {
					roundText.WriteString(chunk.Text)
					select {
					case out <- chunk.Text:
					case <-ctx.Done():
						return TurnResult{}, streamAbort(ctx.Err())
					}
				}
				if len(chunk.ToolCalls) > 0 {
					toolCalls = append(toolCalls, chunk.ToolCalls...)
				}
			}
		}

		if e.Breaker != nil {
			e.Breaker.Success()
		}

		if len(toolCalls) == 0 {
			content := roundText.String()
			if strings.TrimSpace(content) == "" {
				return TurnResult{}, agent.NewRunError(agent.ErrInvalidResponse,
					errors.New("model returned empty content and no tool calls"))
			}
			final := agent.NewAssistantMessage(content, nil)
			newMsgs = append(newMsgs, final)
			return TurnResult{
				Content: content,
				// Only the final round's text is saved; intermediate round
				// text was already delivered downstream and is dropped here.
				NewMessages: newMsgs,
				ToolsUsed:   used.List(),
			}, nil
		}

		for _, call := range toolCalls {
			if err := emit(ctx, out, stream.ToolStart(call.Name)); err != nil {
				return TurnResult{}, err
			}
		}

		assistant := agent.NewAssistantMessage("", toolCalls)
		toolMsgs, err := e.Orchestrator.Run(ctx, rc, toolCalls, &counter, cmd.MaxToolCalls, used)
		if err != nil {
			return TurnResult{}, err
		}

		for _, call := range toolCalls {
			if err := emit(ctx, out, stream.ToolEnd(call.Name)); err != nil {
				return TurnResult{}, err
			}
		}

		working = append(working, assistant)
		working = append(working, toolMsgs...)
		newMsgs = append(newMsgs, assistant)
		newMsgs = append(newMsgs, toolMsgs...)

		if int(counter.Load()) >= cmd.MaxToolCalls {
			schemas = nil
		}
	}

	return TurnResult{}, agent.NewRunError(agent.ErrInvalidResponse,
		errors.New("model kept requesting tools after the tool budget was exhausted"))
}

// openedStream is an open stream plus the first event that proved it alive.
type openedStream struct {
	chunks <-chan Chunk
	errCh  <-chan error
	// first is the chunk consumed while probing the stream, nil when the
	// stream closed without emitting one.
	first *Chunk
}

// openStream opens a stream and waits for its first event under the retry
// policy. An error delivered before any chunk counts as a failed call
// creation and is retried like a batch call; once a chunk has arrived the
// stream is handed back and later failures are terminal.
func (e *Engine) openStream(ctx context.Context, req Request) (openedStream, error) {
	return resilience.Do(ctx, e.Retry,
		func(ctx context.Context) (openedStream, error) {
			chunks, errCh := e.Model.Stream(ctx, req)
			for {
				select {
				case <-ctx.Done():
					return openedStream{}, ctx.Err()
				case err, ok := <-errCh:
					if !ok {
						errCh = nil
						continue
					}
					if err != nil {
						return openedStream{}, err
					}
				case chunk, ok := <-chunks:
					if !ok {
						// A failing stream may deliver its error and close in
						// one step; prefer a pending error over the close.
						if errCh != nil {
							select {
							case err, eok := <-errCh:
								if eok && err != nil {
									return openedStream{}, err
								}
							default:
							}
						}
						// Closed empty: the consume loop reports it as an
						// empty response, not a transport failure.
						return openedStream{chunks: chunks, errCh: errCh}, nil
					}
					return openedStream{chunks: chunks, errCh: errCh, first: &chunk}, nil
				}
			}
		},
		resilience.ClassifyLLMError,
		func(attempt int, delay time.Duration, err error) {
			if e.Metrics != nil {
				e.Metrics.RecordRetry(e.Model.Provider())
			}
		},
	)
}

func emit(ctx context.Context, out chan<- string, chunk string) error {
	select {
	case out <- chunk:
		return nil
	case <-ctx.Done():
		return streamAbort(ctx.Err())
	}
}

func streamAbort(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return agent.NewRunError(agent.ErrTimeout, err)
	}
	return err
}
