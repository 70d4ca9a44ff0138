package tools

import "fmt"

// ErrToolUnavailable is returned when the model calls a tool that is
// not present in the effective registry. This is a capability
// mismatch, not a transient failure, so callers stop instead of
// retrying.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}
