package prompts

import "fmt"

// PlanAck is the user turn appended after the model announces a PLAN.
const PlanAck = "Looks like a good plan, let's do it!"

// MalformedNudge is the user turn appended when a free-text reply is not
// one of the accepted response forms.
const MalformedNudge = "Please respond with either a tool call, PLAN, WAIT, or DONE"

// BackendErrorReport renders a failed reasoning call as a user turn so
// the next attempt sees what went wrong.
func BackendErrorReport(err error) string {
	return fmt.Sprintf("Error: %v", err)
}
