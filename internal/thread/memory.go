package thread

import (
	"context"
	"sync"

	"github.com/nugget/mailroom/internal/llm"
)

// MemoryStore keeps threads in process memory. Threads are held in
// their encoded form so callers never share slices or maps with the
// store.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]byte)}
}

// Get implements [Store].
func (s *MemoryStore) Get(ctx context.Context, id string) ([]llm.Message, bool, error) {
	s.mu.RLock()
	data, ok := s.threads[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	messages, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return messages, true, nil
}

// Put implements [Store].
func (s *MemoryStore) Put(ctx context.Context, id string, messages []llm.Message) error {
	data, err := encode(messages)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.threads[id] = data
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored threads.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

// Ping implements [Store].
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close implements [Store].
func (s *MemoryStore) Close() error { return nil }
