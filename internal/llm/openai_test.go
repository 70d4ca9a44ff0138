package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConvertToOpenAI(t *testing.T) {
	msgs := convertToOpenAI([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{
			ID:       "call_1",
			Function: FunctionCall{Name: "web_search", Arguments: map[string]any{"query": "x"}},
		}}},
		{Role: RoleTool, Content: "result", ToolCallID: "call_1"},
		{Role: "unknown", Content: "dropped"},
	})

	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[1].OfUser == nil || msgs[2].OfAssistant == nil || msgs[3].OfTool == nil {
		t.Fatal("roles not mapped to the expected unions")
	}

	calls := msgs[2].OfAssistant.ToolCalls
	if len(calls) != 1 || calls[0].OfFunction == nil {
		t.Fatalf("assistant tool calls = %+v", calls)
	}
	fn := calls[0].OfFunction
	if fn.ID != "call_1" || fn.Function.Name != "web_search" || fn.Function.Arguments != `{"query":"x"}` {
		t.Errorf("unexpected tool call param: %+v", fn)
	}
	if msgs[3].OfTool.ToolCallID != "call_1" {
		t.Errorf("tool_call_id = %q", msgs[3].OfTool.ToolCallID)
	}
}

func TestConvertToolsToOpenAI(t *testing.T) {
	got := convertToolsToOpenAI([]map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":        "send_email",
			"description": "Send an email",
		},
	}})
	if len(got) != 1 || got[0].OfFunction == nil {
		t.Fatalf("unexpected tools: %+v", got)
	}
	if got[0].OfFunction.Function.Name != "send_email" {
		t.Errorf("name = %q", got[0].OfFunction.Function.Name)
	}
	if got[0].OfFunction.Function.Parameters["type"] != "object" {
		t.Error("missing parameters should default to an empty object schema")
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_abc",
						"type": "function",
						"function": {"name": "web_search", "arguments": "{\"query\":\"mailroom\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 5, "total_tokens": 25}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, nil)
	resp, err := c.Chat(context.Background(), "gpt-4o", []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "search"},
	}, []map[string]any{{
		"type":     "function",
		"function": map[string]any{"name": "web_search", "description": "d"},
	}})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if gotBody["model"] != "gpt-4o" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	if tools, _ := gotBody["tools"].([]any); len(tools) != 1 {
		t.Errorf("request tools = %v", gotBody["tools"])
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_abc" || tc.Function.Name != "web_search" || tc.Function.Arguments["query"] != "mailroom" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	if resp.InputTokens != 20 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.Message.Role != RoleAssistant {
		t.Errorf("role = %q", resp.Message.Role)
	}
}

func TestOpenAIClient_ChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, nil)
	if _, err := c.Chat(context.Background(), "gpt-4o", []Message{{Role: RoleUser, Content: "x"}}, nil); err == nil {
		t.Fatal("expected error from 500 response")
	}
}
