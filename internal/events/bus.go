// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (control loop, dispatcher,
// email poller, webhook, health watchers) to subscribers (the WebSocket
// stream and the MQTT forwarder). The bus is nil-safe: calling Publish on a nil *Bus is
// a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLoop identifies events from the conversation control loop.
	SourceLoop = "loop"
	// SourceDispatcher identifies events from the run dispatcher.
	SourceDispatcher = "dispatcher"
	// SourceEmail identifies events from the IMAP poller.
	SourceEmail = "email"
	// SourceWebhook identifies events from the inbound webhook.
	SourceWebhook = "webhook"
	// SourceHealth identifies service health transitions.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of a loop run.
	// Data: conversation_id, messages.
	KindRunStart = "run_start"
	// KindLLMCall signals the start of a reasoning call.
	// Data: conversation_id, cycle.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a reasoning call.
	// Data: conversation_id, cycle, action, error.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: conversation_id, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: conversation_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindCorrective signals that the loop injected a corrective turn.
	// Data: conversation_id, cycle, reason.
	KindCorrective = "corrective"
	// KindRunComplete signals the end of a loop run.
	// Data: conversation_id, outcome, cycles, elapsed_ms, error.
	KindRunComplete = "run_complete"

	// KindSubmitted signals that an inbound turn was queued for a run.
	// Data: conversation_id, active.
	KindSubmitted = "submitted"

	// KindPollStart signals the start of an email poll cycle.
	KindPollStart = "poll_start"
	// KindPollComplete signals the end of an email poll cycle.
	// Data: submitted, elapsed_ms, error.
	KindPollComplete = "poll_complete"

	// KindReceived signals an inbound message accepted for a run.
	// Data: email_id, conversation_id, account.
	KindReceived = "received"
	// KindRejected signals an inbound message that was refused.
	// Data: reason.
	KindRejected = "rejected"

	// KindServiceUp signals a watched dependency became reachable.
	// Data: service, failures.
	KindServiceUp = "service_up"
	// KindServiceDown signals a watched dependency became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only channel
	// handed out by Subscribe.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. A zero Timestamp is set to the current time. Safe to
// call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Full subscriber; drop.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
