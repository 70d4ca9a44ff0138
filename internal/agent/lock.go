package agent

import (
	"context"
	"sync"
)

// keyedMutex serialises work per key. Each key gets a one-slot
// semaphore that exists only while someone holds or waits for it, so
// the map does not grow with the number of conversations ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done. On success the caller
// must call Unlock(key) exactly once.
func (k *keyedMutex) Lock(ctx context.Context, key string) error {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.release(key, s)
		return ctx.Err()
	}
}

// Unlock frees key for the next waiter.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	s, ok := k.slots[key]
	k.mu.Unlock()
	if !ok {
		panic("agent: unlock of unlocked key " + key)
	}
	<-s.sem
	k.release(key, s)
}

func (k *keyedMutex) release(key string, s *slot) {
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}

// Len returns the number of keys currently held or awaited.
func (k *keyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
