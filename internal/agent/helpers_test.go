package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nugget/mailroom/internal/llm"
	"github.com/nugget/mailroom/internal/thread"
	"github.com/nugget/mailroom/internal/tools"
)

// step is one scripted reasoner reply: a decision or an error.
type step struct {
	decision Decision
	err      error
}

func text(s string) step { return step{decision: Decision{Text: s}} }

func call(name, id string, args map[string]any) step {
	return step{decision: Decision{ToolCall: &ToolCall{Name: name, CallID: id, Arguments: args}}}
}

func fail(msg string) step { return step{err: errors.New(msg)} }

// mockReasoner replays scripted steps and records the thread it was
// shown on each call. Once the script runs out it repeats the last step.
type mockReasoner struct {
	mu    sync.Mutex
	steps []step
	calls [][]llm.Message
	decls [][]map[string]any
}

func (m *mockReasoner) Decide(_ context.Context, msgs []llm.Message, decls []map[string]any) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make([]llm.Message, len(msgs))
	copy(snapshot, msgs)
	m.calls = append(m.calls, snapshot)
	m.decls = append(m.decls, decls)

	if len(m.steps) == 0 {
		return Decision{}, fmt.Errorf("mockReasoner: no steps")
	}
	i := len(m.calls) - 1
	if i >= len(m.steps) {
		i = len(m.steps) - 1
	}
	return m.steps[i].decision, m.steps[i].err
}

func (m *mockReasoner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// recordingTool registers a tool that counts invocations.
type recordingTool struct {
	mu    sync.Mutex
	calls []map[string]any
	out   string
	err   error
}

func (r *recordingTool) handler(_ context.Context, args map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	return r.out, r.err
}

func (r *recordingTool) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestRegistry(t *testing.T, defs map[string]*recordingTool) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	for name, rt := range defs {
		reg.Register(&tools.Tool{
			Name:        name,
			Description: "test tool " + name,
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler:     rt.handler,
		})
	}
	return reg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildTestLoop(store thread.Store, r Reasoner, reg *tools.Registry, maxCycles int) *Loop {
	return NewLoop(store, r, reg, Config{MaxCycles: maxCycles, SystemPrompt: "You are a test agent."}, quietLogger())
}

// failingPutStore wraps a store and fails Put once armed.
type failingPutStore struct {
	thread.Store
	mu      sync.Mutex
	failAt  int // Put call number (1-based) that starts failing; 0 never
	puts    int
	failErr error
}

func (s *failingPutStore) Put(ctx context.Context, id string, msgs []llm.Message) error {
	s.mu.Lock()
	s.puts++
	n := s.puts
	s.mu.Unlock()
	if s.failAt > 0 && n >= s.failAt {
		return s.failErr
	}
	return s.Store.Put(ctx, id, msgs)
}

// checkThreadShape asserts the structural invariants every persisted
// thread must hold: a single leading system message and tool results
// that answer the assistant call right before them.
func checkThreadShape(t *testing.T, msgs []llm.Message) {
	t.Helper()
	if len(msgs) == 0 {
		t.Fatal("thread is empty")
	}
	if msgs[0].Role != llm.RoleSystem {
		t.Errorf("first message role = %q, want system", msgs[0].Role)
	}
	for i, m := range msgs {
		if i > 0 && m.Role == llm.RoleSystem {
			t.Errorf("extra system message at index %d", i)
		}
		if m.Role == llm.RoleAssistant && len(m.ToolCalls) > 0 {
			if i+1 >= len(msgs) || msgs[i+1].Role != llm.RoleTool {
				t.Errorf("assistant tool call at %d has no tool result after it", i)
			}
		}
		if m.Role != llm.RoleTool {
			continue
		}
		prev := msgs[i-1]
		if prev.Role != llm.RoleAssistant || len(prev.ToolCalls) != 1 {
			t.Errorf("tool message at %d does not follow an assistant tool call", i)
			continue
		}
		if prev.ToolCalls[0].ID != m.ToolCallID {
			t.Errorf("tool message at %d answers %q, preceding call is %q", i, m.ToolCallID, prev.ToolCalls[0].ID)
		}
	}
}
