package thread

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/mailroom/internal/llm"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// :memory: is per connection.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		t.Fatalf("NewSQLiteStoreFromDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func storeBackends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
}

func sampleThread() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "Follow the user's instructions carefully"},
		{Role: llm.RoleUser, Content: "Find the weather in Austin and email it to me"},
		{Role: llm.RoleAssistant, Content: "PLAN: search, then email"},
		{Role: llm.RoleUser, Content: "Looks like a good plan, let's do it!"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
			ID: "call_1",
			Function: llm.FunctionCall{
				Name:      "web_search",
				Arguments: map[string]any{"query": "austin weather", "count": float64(3)},
			},
		}}},
		{Role: llm.RoleTool, Content: "Sunny, 31C", ToolCallID: "call_1"},
		{Role: llm.RoleAssistant, Content: "WAIT"},
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			msgs, ok, err := s.Get(context.Background(), "nope")
			if err != nil {
				t.Fatalf("Get() error: %v", err)
			}
			if ok || msgs != nil {
				t.Errorf("Get() = %v, %v; want nil, false", msgs, ok)
			}
		})
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleThread()

			if err := s.Put(ctx, "conv-1", want); err != nil {
				t.Fatalf("Put() error: %v", err)
			}
			got, ok, err := s.Get(ctx, "conv-1")
			if err != nil || !ok {
				t.Fatalf("Get() = ok %v, err %v", ok, err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", got, want)
			}
		})
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			full := sampleThread()

			if err := s.Put(ctx, "conv-1", full); err != nil {
				t.Fatal(err)
			}
			shorter := full[:2]
			if err := s.Put(ctx, "conv-1", shorter); err != nil {
				t.Fatal(err)
			}

			got, _, err := s.Get(ctx, "conv-1")
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, shorter) {
				t.Errorf("last write did not win: got %d messages, want %d", len(got), len(shorter))
			}
		})
	}
}

func TestStore_Isolation(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			msgs := sampleThread()
			if err := s.Put(ctx, "a", msgs); err != nil {
				t.Fatal(err)
			}

			// Mutating the caller's slice must not affect the stored copy.
			msgs[1].Content = "mutated"
			msgs[4].ToolCalls[0].Function.Arguments["query"] = "mutated"

			got, _, _ := s.Get(ctx, "a")
			if got[1].Content == "mutated" || got[4].ToolCalls[0].Function.Arguments["query"] == "mutated" {
				t.Error("store shares memory with caller")
			}

			if _, ok, _ := s.Get(ctx, "b"); ok {
				t.Error("unrelated id should be absent")
			}
		})
	}
}

func TestStore_EmptyThread(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Put(ctx, "empty", nil); err != nil {
				t.Fatal(err)
			}
			got, ok, err := s.Get(ctx, "empty")
			if err != nil || !ok {
				t.Fatalf("Get() ok=%v err=%v", ok, err)
			}
			if len(got) != 0 {
				t.Errorf("got %d messages, want 0", len(got))
			}
		})
	}
}

func TestStore_ConcurrentDistinctIDs(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := fmt.Sprintf("conv-%d", i)
					msgs := []llm.Message{{Role: llm.RoleSystem, Content: id}}
					if err := s.Put(ctx, id, msgs); err != nil {
						t.Errorf("Put(%s): %v", id, err)
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("conv-%d", i)
				got, ok, err := s.Get(ctx, id)
				if err != nil || !ok || got[0].Content != id {
					t.Errorf("Get(%s) = %v, %v, %v", id, got, ok, err)
				}
			}
		})
	}
}

func TestSQLiteStore_File(t *testing.T) {
	// The production constructor uses mattn/go-sqlite3 with WAL.
	path := filepath.Join(t.TempDir(), "threads.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	if err := s.Put(ctx, "conv", sampleThread()); err != nil {
		t.Fatal(err)
	}
	s.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, ok, err := reopened.Get(ctx, "conv")
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if len(got) != len(sampleThread()) {
		t.Errorf("got %d messages after reopen", len(got))
	}
	if err := reopened.Ping(ctx); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

func TestSQLiteStore_CorruptRow(t *testing.T) {
	s := newTestSQLiteStore(t)
	if _, err := s.db.Exec(`INSERT INTO chats (id, chat, created_at, updated_at) VALUES ('bad', '{not json', '', '')`); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(context.Background(), "bad"); err == nil {
		t.Error("expected decode error for corrupt row")
	}
}

func TestMemoryStore_Len(t *testing.T) {
	s := NewMemoryStore()
	s.Put(context.Background(), "a", nil)
	s.Put(context.Background(), "a", nil)
	s.Put(context.Background(), "b", nil)
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}
