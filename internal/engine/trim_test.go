package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-agents/arcgo/internal/agent"
)

func TestDecodeArgs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"valid object", `{"city":"Seoul"}`, map[string]any{"city": "Seoul"}},
		{"empty string", "", map[string]any{}},
		{"invalid json", `{"city":`, map[string]any{}},
		{"json null", `null`, map[string]any{}},
		{"non-object", `[1,2]`, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeArgs(tt.raw))
		})
	}
}

func toolPair(id, name, result string) []agent.Message {
	return []agent.Message{
		agent.NewAssistantMessage("", []agent.ToolCall{{ID: id, Name: name, Args: map[string]any{}}}),
		agent.NewToolMessage(id, result),
	}
}

func TestTrimHistoryNoBudget(t *testing.T) {
	history := []agent.Message{
		agent.NewUserMessage("one"),
		agent.NewAssistantMessage("two", nil),
	}
	assert.Equal(t, history, TrimHistory(history, 0))
	assert.Equal(t, history, TrimHistory(history, -5))
}

func TestTrimHistoryKeepsLastUser(t *testing.T) {
	history := []agent.Message{
		agent.NewUserMessage("a very long early message that blows the budget on its own"),
		agent.NewAssistantMessage("an equally verbose early answer from the model", nil),
		agent.NewUserMessage("current question"),
	}
	out := TrimHistory(history, 20)
	require.Len(t, out, 1)
	assert.Equal(t, "current question", out[0].Content)
}

func TestTrimHistoryPairIntegrity(t *testing.T) {
	var history []agent.Message
	history = append(history, agent.NewUserMessage("old question"))
	history = append(history, toolPair("call_1", "weather", "a long tool result that takes up most of the allotted budget")...)
	history = append(history, agent.NewAssistantMessage("it is sunny", nil))
	history = append(history, agent.NewUserMessage("next"))

	out := TrimHistory(history, 30)

	// No orphaned halves: every assistant-with-tool-calls must keep its tool
	// responses and vice versa.
	ids := map[string]bool{}
	for _, m := range out {
		for _, tc := range m.ToolCalls {
			ids[tc.ID] = true
		}
	}
	for _, m := range out {
		if m.Role == agent.RoleTool {
			assert.True(t, ids[m.ToolCallID], "tool message %q lost its assistant", m.ToolCallID)
		}
	}
	for id := range ids {
		found := false
		for _, m := range out {
			if m.Role == agent.RoleTool && m.ToolCallID == id {
				found = true
			}
		}
		assert.True(t, found, "assistant call %q lost its tool response", id)
	}

	// Last user survives.
	assert.Equal(t, "next", out[len(out)-1].Content)
}

func TestTrimHistoryNeverGapsAroundAnOversizedMessage(t *testing.T) {
	history := []agent.Message{
		agent.NewUserMessage("old"),
		agent.NewAssistantMessage(strings.Repeat("x", 100), nil),
		agent.NewUserMessage("current"),
	}
	out := TrimHistory(history, 20)
	require.Len(t, out, 1)
	assert.Equal(t, "current", out[0].Content,
		"a small old message must not survive a dropped newer one")
}

func TestTrimHistoryDropsOldestFirst(t *testing.T) {
	history := []agent.Message{
		agent.NewUserMessage("oldest oldest oldest"),
		agent.NewAssistantMessage("answer one", nil),
		agent.NewUserMessage("newer"),
		agent.NewAssistantMessage("answer two", nil),
		agent.NewUserMessage("now"),
	}
	out := TrimHistory(history, 30)
	require.NotEmpty(t, out)
	assert.NotEqual(t, "oldest oldest oldest", out[0].Content)
	assert.Equal(t, "now", out[len(out)-1].Content)
}
