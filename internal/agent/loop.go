// Package agent implements the conversation control loop: it advances
// a persisted thread one inbound turn at a time, asking a [Reasoner]
// for the next action and executing tools until the model waits, the
// task is done, or the cycle budget runs out.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/mailroom/internal/events"
	"github.com/nugget/mailroom/internal/llm"
	"github.com/nugget/mailroom/internal/prompts"
	"github.com/nugget/mailroom/internal/thread"
	"github.com/nugget/mailroom/internal/tools"
)

// DefaultMaxCycles bounds reasoning calls per run when Config leaves
// MaxCycles unset.
const DefaultMaxCycles = 10

// maxLoggedOutput caps tool output in log lines. The thread keeps the
// full text.
const maxLoggedOutput = 500

// Outcome is how a run stopped. Every outcome leaves the thread
// persisted and resumable by the next inbound turn.
type Outcome string

const (
	// OutcomeWaiting: the model answered WAIT or called a terminal tool.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeDone: the model answered DONE.
	OutcomeDone Outcome = "done"
	// OutcomeExhausted: the cycle budget ran out first.
	OutcomeExhausted Outcome = "exhausted"
)

// Config holds the loop settings.
type Config struct {
	// MaxCycles is the most reasoning calls one run may make.
	MaxCycles int
	// SystemPrompt replaces the default instruction text when set.
	SystemPrompt string
}

// Loop runs conversations. A Loop is safe for concurrent use, but Run
// itself does not serialise runs on the same conversation; use a
// [Dispatcher] for that.
type Loop struct {
	store        thread.Store
	reasoner     Reasoner
	registry     *tools.Registry
	maxCycles    int
	systemPrompt string
	logger       *slog.Logger
	events       *events.Bus
}

// NewLoop creates a loop. The system prompt that opens new threads is
// fixed here, with the registry's tool names embedded.
func NewLoop(store thread.Store, reasoner Reasoner, registry *tools.Registry, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	maxCycles := cfg.MaxCycles
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}
	return &Loop{
		store:        store,
		reasoner:     reasoner,
		registry:     registry,
		maxCycles:    maxCycles,
		systemPrompt: prompts.SystemPrompt(cfg.SystemPrompt, registry.Names()),
		logger:       logger,
	}
}

// SetEventBus attaches an event bus for operational events.
func (l *Loop) SetEventBus(bus *events.Bus) {
	l.events = bus
}

// MaxCycles returns the per-run reasoning call budget.
func (l *Loop) MaxCycles() int { return l.maxCycles }

// SystemPrompt returns the text of the system message for new threads.
func (l *Loop) SystemPrompt() string { return l.systemPrompt }

// Run appends userTurn to the thread for conversationID and cycles
// until the model waits, finishes, or the budget is spent.
//
// Each cycle makes one reasoning call. A backend error is reported back
// to the model as a user turn and costs a cycle. A tool call to a name
// the registry does not know aborts the run with a wrapped
// *tools.ErrToolUnavailable before anything from that cycle is
// recorded. Failing to persist the thread is returned as an error.
//
// Tool execution and the following persist are not atomic. If the
// process dies, or the store fails, after a tool has run but before
// the thread is saved, the tool's side effect (an email sent, say)
// happened but the thread does not record it, and the next turn starts
// from the last saved state.
//
// userTurn is first saved with the first cycle's persist. A run that
// fails before then, or is cancelled while waiting for its
// conversation, leaves no trace of the turn in the store. For mail
// that came in through the poller the high-water mark has already
// moved past it, so the message is not fetched again; the dispatcher
// logs the turn text at error level for that case.
func (l *Loop) Run(ctx context.Context, conversationID, userTurn string) (Outcome, error) {
	start := time.Now()
	log := l.logger.With("conversation", conversationID)

	messages, found, err := l.store.Get(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("load thread %s: %w", conversationID, err)
	}
	if !found {
		messages = []llm.Message{{Role: llm.RoleSystem, Content: l.systemPrompt}}
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userTurn})

	log.Info("run started", "messages", len(messages), "new_thread", !found)
	l.publish(events.KindRunStart, map[string]any{
		"conversation_id": conversationID,
		"messages":        len(messages),
	})

	ctx = tools.WithConversationID(ctx, conversationID)
	decls := l.registry.Declarations()

	outcome, cycles, err := l.cycle(ctx, log, conversationID, messages, decls)

	data := map[string]any{
		"conversation_id": conversationID,
		"outcome":         string(outcome),
		"cycles":          cycles,
		"elapsed_ms":      time.Since(start).Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	l.publish(events.KindRunComplete, data)

	if err != nil {
		return "", err
	}
	log.Info("run finished", "outcome", outcome, "cycles", cycles,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return outcome, nil
}

// cycle is the state machine behind Run. It returns the outcome and
// the number of reasoning calls made.
func (l *Loop) cycle(ctx context.Context, log *slog.Logger, convID string, messages []llm.Message, decls []map[string]any) (Outcome, int, error) {
	for cycle := 1; cycle <= l.maxCycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return "", cycle - 1, err
		}

		log.Debug("reasoning call", "cycle", cycle, "messages", len(messages))
		l.publish(events.KindLLMCall, map[string]any{"conversation_id": convID, "cycle": cycle})

		decision, err := l.reasoner.Decide(ctx, messages, decls)
		if err != nil {
			if ctx.Err() != nil {
				return "", cycle, ctx.Err()
			}
			log.Warn("reasoning call failed", "cycle", cycle, "error", err)
			l.publish(events.KindLLMResponse, map[string]any{
				"conversation_id": convID, "cycle": cycle, "error": err.Error(),
			})
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompts.BackendErrorReport(err)})
			l.corrective(convID, cycle, "backend_error")
			if err := l.persist(ctx, convID, messages); err != nil {
				return "", cycle, err
			}
			continue
		}

		action := classify(decision)
		l.publish(events.KindLLMResponse, map[string]any{
			"conversation_id": convID, "cycle": cycle, "action": action.String(),
		})

		switch action {
		case ActionToolCall:
			call := decision.ToolCall
			tool, ok := l.registry.Resolve(call.Name)
			if !ok {
				log.Error("model called unknown tool", "cycle", cycle, "tool", call.Name)
				return "", cycle, fmt.Errorf("cycle %d: %w", cycle, &tools.ErrToolUnavailable{ToolName: call.Name})
			}

			messages = append(messages, llm.Message{
				Role: llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{{
					ID:       call.CallID,
					Function: llm.FunctionCall{Name: call.Name, Arguments: call.Arguments},
				}},
			})
			output, ok := l.execute(ctx, log, convID, tool, call)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: call.CallID,
			})
			if err := l.persist(ctx, convID, messages); err != nil {
				return "", cycle, err
			}
			if tool.Terminal && ok {
				log.Info("terminal tool ended run", "tool", tool.Name)
				return OutcomeWaiting, cycle, nil
			}

		case ActionPlan:
			log.Info("plan", "plan", planText(decision.Text))
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: decision.Text},
				llm.Message{Role: llm.RoleUser, Content: prompts.PlanAck},
			)
			l.corrective(convID, cycle, "plan")
			if err := l.persist(ctx, convID, messages); err != nil {
				return "", cycle, err
			}

		case ActionWait, ActionDone:
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: decision.Text})
			if err := l.persist(ctx, convID, messages); err != nil {
				return "", cycle, err
			}
			if action == ActionDone {
				return OutcomeDone, cycle, nil
			}
			return OutcomeWaiting, cycle, nil

		default:
			log.Warn("malformed response", "cycle", cycle, "content", truncate(decision.Text, maxLoggedOutput))
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: decision.Text},
				llm.Message{Role: llm.RoleUser, Content: prompts.MalformedNudge},
			)
			l.corrective(convID, cycle, "malformed")
			if err := l.persist(ctx, convID, messages); err != nil {
				return "", cycle, err
			}
		}
	}

	log.Warn("cycle budget exhausted", "max_cycles", l.maxCycles)
	return OutcomeExhausted, l.maxCycles, nil
}

// execute runs a resolved tool. Tool failures become the result text
// so the model can adapt on the next cycle; ok reports success.
func (l *Loop) execute(ctx context.Context, log *slog.Logger, convID string, tool *tools.Tool, call *ToolCall) (output string, ok bool) {
	argsJSON, _ := json.Marshal(call.Arguments)
	log.Info("tool call", "tool", call.Name, "call_id", call.CallID, "args", string(argsJSON))
	l.publish(events.KindToolCall, map[string]any{
		"conversation_id": convID, "tool": call.Name, "call_id": call.CallID,
	})

	start := time.Now()
	output, err := tool.Execute(ctx, call.Arguments)
	ok = err == nil
	if err != nil {
		log.Warn("tool failed", "tool", call.Name, "error", err)
		output = "Error: " + err.Error()
	}

	log.Info("tool output", "tool", call.Name, "output", truncate(output, maxLoggedOutput))
	l.publish(events.KindToolDone, map[string]any{
		"conversation_id": convID,
		"tool":            call.Name,
		"ok":              ok,
		"duration_ms":     time.Since(start).Milliseconds(),
	})
	return output, ok
}

func (l *Loop) persist(ctx context.Context, convID string, messages []llm.Message) error {
	if err := l.store.Put(ctx, convID, messages); err != nil {
		return fmt.Errorf("persist thread %s: %w", convID, err)
	}
	return nil
}

func (l *Loop) corrective(convID string, cycle int, reason string) {
	l.publish(events.KindCorrective, map[string]any{
		"conversation_id": convID, "cycle": cycle, "reason": reason,
	})
}

func (l *Loop) publish(kind string, data map[string]any) {
	l.events.Publish(events.Event{Source: events.SourceLoop, Kind: kind, Data: data})
}

// planText strips the PLAN marker for logging.
func planText(s string) string {
	s = strings.TrimPrefix(strings.TrimLeft(s, leadingSpace), prefixPlan)
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
