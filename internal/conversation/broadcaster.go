// ABOUTME: In-memory fan-out broadcaster for live turn progress
// ABOUTME: Publishes TurnEvents to all subscribers of a conversation

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// TurnEvent kinds published while a turn executes.
const (
	TurnText       = "text"
	TurnToolUse    = "tool_use"
	TurnToolResult = "tool_result"
	TurnDone       = "done"
	TurnError      = "error"
)

// TurnEvent is one observable step of a running turn.
type TurnEvent struct {
	ConversationID string
	// MessageID is the assistant message the event belongs to.
	MessageID string
	Kind      string
	// Text carries streamed content for TurnText and the cause category for
	// TurnError.
	Text string
	// ToolCallID is set for TurnToolUse and TurnToolResult.
	ToolCallID string
	ToolName   string
}

// EventBroadcaster provides in-memory pub/sub for turn progress. Subscribers
// register for a conversation ID and receive events as the turn persists
// them. This enables live client updates without polling the store.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan TurnEvent // conversationID -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan TurnEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given conversation.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan TurnEvent, string) {
	subID := uuid.New().String()
	ch := make(chan TurnEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan TurnEvent)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the event's conversation.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *EventBroadcaster) Publish(event TurnEvent) {
	b.mu.RLock()
	subs, ok := b.subscribers[event.ConversationID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy subscriber channels under read lock to avoid holding lock during sends
	targets := make([]chan TurnEvent, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
			// Sent
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", event.ConversationID,
				"kind", event.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}

	b.logger.Debug("broadcaster closed")
}
