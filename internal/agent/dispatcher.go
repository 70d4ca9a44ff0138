package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/mailroom/internal/events"
)

// Runner is the part of [Loop] the dispatcher needs.
type Runner interface {
	Run(ctx context.Context, conversationID, userTurn string) (Outcome, error)
}

// ErrShuttingDown is returned by Submit after Shutdown has begun.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Dispatcher runs inbound turns in the background. Submit returns at
// once; runs for the same conversation execute one at a time in arrival
// order of lock acquisition, and runs for different conversations
// proceed in parallel.
type Dispatcher struct {
	runner Runner
	logger *slog.Logger
	events *events.Bus

	locks  *keyedMutex
	wg     sync.WaitGroup
	active atomic.Int64

	// base is handed to every run; cancel fires only when Shutdown
	// gives up waiting.
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
}

// NewDispatcher creates a dispatcher around runner.
func NewDispatcher(runner Runner, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		runner: runner,
		logger: logger,
		locks:  newKeyedMutex(),
		base:   base,
		cancel: cancel,
	}
}

// SetEventBus attaches an event bus for operational events.
func (d *Dispatcher) SetEventBus(bus *events.Bus) {
	d.events = bus
}

// Submit schedules a run for conversationID and returns without waiting
// for it. Failures inside the run are logged, since no caller sees them.
func (d *Dispatcher) Submit(conversationID, userTurn string) error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return ErrShuttingDown
	}
	d.wg.Add(1)
	d.mu.Unlock()

	n := d.active.Add(1)
	d.events.Publish(events.Event{
		Source: events.SourceDispatcher,
		Kind:   events.KindSubmitted,
		Data:   map[string]any{"conversation_id": conversationID, "active": n},
	})

	go func() {
		defer d.wg.Done()
		defer d.active.Add(-1)
		d.run(conversationID, userTurn)
	}()
	return nil
}

// Active returns the number of submitted runs that have not finished,
// including those waiting for their conversation's lock.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

func (d *Dispatcher) run(conversationID, userTurn string) {
	log := d.logger.With("conversation", conversationID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("run panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	if err := d.locks.Lock(d.base, conversationID); err != nil {
		log.Error("run dropped waiting for conversation lock", "error", err, "turn", turnExcerpt(userTurn))
		return
	}
	defer d.locks.Unlock(conversationID)

	outcome, err := d.runner.Run(d.base, conversationID, userTurn)
	if err != nil {
		// The turn may not have reached the store, and the poller has
		// already moved past the message. The log is the only copy.
		log.Error("run failed", "error", err, "turn", turnExcerpt(userTurn))
		return
	}
	log.Debug("run complete", "outcome", outcome)
}

// maxLoggedTurn bounds the user turn text written to error logs.
const maxLoggedTurn = 2048

// turnExcerpt returns userTurn cut to maxLoggedTurn bytes on a rune
// boundary.
func turnExcerpt(userTurn string) string {
	if len(userTurn) <= maxLoggedTurn {
		return userTurn
	}
	return strings.ToValidUTF8(userTurn[:maxLoggedTurn], "") + "...[truncated]"
}

// Shutdown stops accepting work and waits for in-flight runs. If ctx
// ends first, in-flight runs are cancelled and ctx's error is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
