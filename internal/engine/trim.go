package engine

import "github.com/arc-agents/arcgo/internal/agent"

// TrimHistory bounds a conversation to a character budget, dropping oldest
// messages first. Two invariants hold on the output:
//
//   - the most recent user message is always retained
//   - an assistant message carrying tool calls and the tool messages answering
//     it move as one unit, kept or dropped together
//
// budget <= 0 disables trimming.
func TrimHistory(history []agent.Message, budget int) []agent.Message {
	if budget <= 0 || len(history) == 0 {
		return history
	}

	units := groupPairUnits(history)

	lastUser := -1
	for i := len(units) - 1; i >= 0; i-- {
		if len(units[i]) == 1 && units[i][0].Role == agent.RoleUser {
			lastUser = i
			break
		}
	}

	keep := make([]bool, len(units))
	total := 0
	if lastUser >= 0 {
		keep[lastUser] = true
		total = unitLen(units[lastUser])
	}

	// Newest first, strict inequality against the budget. The first unit that
	// does not fit ends the walk: keeping something older than a dropped unit
	// would leave a gap in the conversation.
	for i := len(units) - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		l := unitLen(units[i])
		if total+l >= budget {
			break
		}
		keep[i] = true
		total += l
	}

	var out []agent.Message
	for i, unit := range units {
		if keep[i] {
			out = append(out, unit...)
		}
	}
	return out
}

// groupPairUnits splits history into atomic units: an assistant message with
// tool calls absorbs the tool messages that answer it; everything else is a
// unit of one.
func groupPairUnits(history []agent.Message) [][]agent.Message {
	var units [][]agent.Message
	for i := 0; i < len(history); i++ {
		m := history[i]
		if m.Role == agent.RoleAssistant && len(m.ToolCalls) > 0 {
			unit := []agent.Message{m}
			ids := make(map[string]struct{}, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				ids[tc.ID] = struct{}{}
			}
			for i+1 < len(history) && history[i+1].Role == agent.RoleTool {
				if _, ok := ids[history[i+1].ToolCallID]; !ok {
					break
				}
				unit = append(unit, history[i+1])
				i++
			}
			units = append(units, unit)
			continue
		}
		units = append(units, []agent.Message{m})
	}
	return units
}

func unitLen(unit []agent.Message) int {
	n := 0
	for _, m := range unit {
		n += len(m.Content)
	}
	return n
}
