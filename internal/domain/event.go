package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventStreamStarted   EventType = "stream.started"
	EventStreamDelta     EventType = "stream.delta"
	EventStreamCompleted EventType = "stream.completed"
	EventStreamFailed    EventType = "stream.failed"
	EventStreamCancelled EventType = "stream.cancelled"

	EventConversationCreated EventType = "conversation.created"
	EventConfigReloaded      EventType = "config.reloaded"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type           EventType       `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a JSON-encoded payload. A payload that fails
// to encode is dropped.
func NewEvent(eventType EventType, conversationID, messageID string, payload any) Event {
	ev := Event{
		Type:           eventType,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		MessageID:      messageID,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
