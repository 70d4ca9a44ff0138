package agent

import "strings"

// Action is the control signal a decision maps to.
type Action int

const (
	// ActionMalformed is free text that matches no accepted form.
	ActionMalformed Action = iota
	// ActionToolCall requests a tool execution.
	ActionToolCall
	// ActionPlan announces a plan; the loop acknowledges and continues.
	ActionPlan
	// ActionWait pauses until the next inbound turn.
	ActionWait
	// ActionDone marks the task complete.
	ActionDone
)

func (a Action) String() string {
	switch a {
	case ActionToolCall:
		return "tool_call"
	case ActionPlan:
		return "plan"
	case ActionWait:
		return "wait"
	case ActionDone:
		return "done"
	default:
		return "malformed"
	}
}

// Free-text prefixes. Matching is case-sensitive.
const (
	prefixPlan = "PLAN"
	prefixWait = "WAIT"
	prefixDone = "DONE"

	leadingSpace = " \t\r\n"
)

// classify maps a decision to its action. Leading whitespace in free
// text is ignored; empty text is malformed.
func classify(d Decision) Action {
	if d.ToolCall != nil {
		return ActionToolCall
	}
	text := strings.TrimLeft(d.Text, leadingSpace)
	switch {
	case strings.HasPrefix(text, prefixPlan):
		return ActionPlan
	case strings.HasPrefix(text, prefixWait):
		return ActionWait
	case strings.HasPrefix(text, prefixDone):
		return ActionDone
	default:
		return ActionMalformed
	}
}
