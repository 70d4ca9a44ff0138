package prompts

import (
	"strings"
)

// baseSystemTemplate is the default instruction text used when
// agent.system_prompt is empty. The response protocol it describes is
// what the control loop classifies, so edits here must keep the four
// response forms intact.
const baseSystemTemplate = `- Follow the user's instructions carefully
- If the task was sent via email, respond to that email
    - Email content should be formatted as email compliant html
- Always start by creating a set of steps to complete the task given by the user.
- Always respond with one of the following:
    - A tool call
    - ` + "`PLAN`" + ` followed by a description of the steps to complete the task
    - ` + "`WAIT`" + ` to wait for a response to an email
    - ` + "`DONE`" + ` to indicate that the task is complete`

// BaseSystemPrompt returns the default instruction text.
func BaseSystemPrompt() string {
	return baseSystemTemplate
}

// SystemPrompt builds the system message that opens every new thread.
// An empty base selects [BaseSystemPrompt]. The permitted tool names are
// appended so the model knows what it may call even when a backend
// drops the declarations.
func SystemPrompt(base string, toolNames []string) string {
	if strings.TrimSpace(base) == "" {
		base = baseSystemTemplate
	}
	base = strings.TrimRight(base, "\n")
	if len(toolNames) == 0 {
		return base
	}

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\nAvailable tools:\n")
	for _, name := range toolNames {
		sb.WriteString("- ")
		sb.WriteString(name)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
