package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nugget/mailroom/internal/llm"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	Name      string
	CallID    string
	Arguments map[string]any
}

// Decision is one assistant turn. Exactly one of ToolCall or Text is
// meaningful: a non-nil ToolCall wins and Text is ignored.
type Decision struct {
	ToolCall *ToolCall
	Text     string
}

// Reasoner decides the next assistant turn for a thread. Errors are
// transport or backend failures; the loop treats them as recoverable.
type Reasoner interface {
	Decide(ctx context.Context, messages []llm.Message, tools []map[string]any) (Decision, error)
}

// LLMReasoner adapts an [llm.Client] to [Reasoner].
type LLMReasoner struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewLLMReasoner creates a reasoner that sends every call to model.
func NewLLMReasoner(client llm.Client, model string, logger *slog.Logger) *LLMReasoner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMReasoner{client: client, model: model, logger: logger}
}

// Decide implements [Reasoner]. Only the first tool call of a response
// is acted on; any others are logged and dropped. A call without an id
// is given a generated one so the tool result can reference it.
func (r *LLMReasoner) Decide(ctx context.Context, messages []llm.Message, tools []map[string]any) (Decision, error) {
	resp, err := r.client.Chat(ctx, r.model, messages, tools)
	if err != nil {
		return Decision{}, fmt.Errorf("chat %s: %w", r.model, err)
	}

	calls := resp.Message.ToolCalls
	if len(calls) == 0 {
		return Decision{Text: resp.Message.Content}, nil
	}
	if len(calls) > 1 {
		dropped := make([]string, 0, len(calls)-1)
		for _, c := range calls[1:] {
			dropped = append(dropped, c.Function.Name)
		}
		r.logger.Warn("model returned multiple tool calls, using the first",
			"model", r.model, "used", calls[0].Function.Name, "dropped", dropped)
	}

	first := calls[0]
	id := first.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	args := first.Function.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return Decision{ToolCall: &ToolCall{
		Name:      first.Function.Name,
		CallID:    id,
		Arguments: args,
	}}, nil
}
