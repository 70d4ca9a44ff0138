package agent

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		d    Decision
		want Action
	}{
		{"tool call wins over text", Decision{ToolCall: &ToolCall{Name: "x"}, Text: "DONE"}, ActionToolCall},
		{"plan", Decision{Text: "PLAN 1. search"}, ActionPlan},
		{"plan no space", Decision{Text: "PLAN:"}, ActionPlan},
		{"wait", Decision{Text: "WAIT"}, ActionWait},
		{"wait with reason", Decision{Text: "WAIT for the reply"}, ActionWait},
		{"done", Decision{Text: "DONE"}, ActionDone},
		{"leading newline", Decision{Text: "\n\nDONE"}, ActionDone},
		{"lowercase", Decision{Text: "done"}, ActionMalformed},
		{"embedded", Decision{Text: "I am DONE"}, ActionMalformed},
		{"markdown wrapped", Decision{Text: "`WAIT`"}, ActionMalformed},
		{"empty", Decision{}, ActionMalformed},
		{"whitespace", Decision{Text: "   "}, ActionMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.d); got != tt.want {
				t.Errorf("classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestActionString(t *testing.T) {
	want := map[Action]string{
		ActionToolCall:  "tool_call",
		ActionPlan:      "plan",
		ActionWait:      "wait",
		ActionDone:      "done",
		ActionMalformed: "malformed",
	}
	for a, s := range want {
		if a.String() != s {
			t.Errorf("%d.String() = %q, want %q", a, a.String(), s)
		}
	}
}

func TestPlanText(t *testing.T) {
	if got := planText("  PLAN  search, then reply "); got != "search, then reply" {
		t.Errorf("planText = %q", got)
	}
}
