// Package thread persists conversation threads. A thread is the full
// ordered message sequence of one conversation, stored whole and
// overwritten on every save.
package thread

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/mailroom/internal/llm"
)

// Store loads and saves conversation threads by id. Put replaces the
// stored sequence (last writer wins) and Get returns exactly what was
// last written. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the thread for id. The boolean is false when no
	// thread has been stored under that id.
	Get(ctx context.Context, id string) ([]llm.Message, bool, error)

	// Put stores messages as the complete thread for id.
	Put(ctx context.Context, id string, messages []llm.Message) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing connection.
	Close() error
}

func encode(messages []llm.Message) ([]byte, error) {
	if messages == nil {
		messages = []llm.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encode thread: %w", err)
	}
	return data, nil
}

func decode(data []byte) ([]llm.Message, error) {
	var messages []llm.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("decode thread: %w", err)
	}
	return messages, nil
}
