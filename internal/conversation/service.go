// ABOUTME: Service is the central layer turning user messages into agent turns
// ABOUTME: All content flows through the store - history is the source of truth, not a side effect

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hearth/internal/agentpool"
	"github.com/2389/hearth/internal/agentrpc"
	"github.com/2389/hearth/internal/coordinator"
	"github.com/2389/hearth/internal/store"
)

// ErrDuplicate means a client message ID was submitted again within the
// dedupe window, typically a frontend retry after a lost response.
var ErrDuplicate = errors.New("duplicate message submission")

// Dedupe window for client message IDs.
const (
	dedupeTTL     = 10 * time.Minute
	dedupeMaxSize = 10000
)

// Streaming event types the service interprets. Anything else is treated as
// opaque agent chatter and logged at debug.
const (
	eventText       = "agent_text"
	eventToolUse    = "tool_use"
	eventToolResult = "tool_result"
)

// persistTimeout bounds store writes made from turn goroutines, which must
// not inherit a caller's cancelled context.
const persistTimeout = 5 * time.Second

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*store.Conversation, error)

	CreateMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	AppendMessageContent(ctx context.Context, id, chunk string) error
	SetMessageContent(ctx context.Context, id, content, status string) error
	SetMessageStatus(ctx context.Context, id, status string) error

	CreateToolCall(ctx context.Context, tc *store.ToolCall) error
	FinishToolCall(ctx context.Context, id, output, status string) error
}

// TurnCoordinator defines what the service needs from turn coordination
type TurnCoordinator interface {
	StartOrEnqueue(ctx context.Context, conversationID, messageID string) (*coordinator.Decision, error)
	FinalizeAndAdvance(ctx context.Context, conversationID string) (*coordinator.NextTurn, error)
}

// AgentPool defines what the service needs from the agent layer
type AgentPool interface {
	WithClient(ctx context.Context, key agentpool.Key, fn func(agentpool.Client) error) error
}

// Service accepts user messages, persists them, and drives agent turns
// through the pool under the coordinator's single-turn contract.
type Service struct {
	store       ConversationStore
	pool        AgentPool
	coord       TurnCoordinator
	broadcaster *EventBroadcaster
	seen        *recentSubmissions
	logger      *slog.Logger

	mu         sync.Mutex
	queuedKeys map[string]agentpool.Key // routing for queued messages awaiting promotion
}

// New creates a conversation service. Pass nil broadcaster to disable live
// fan-out.
func New(st ConversationStore, pool AgentPool, coord TurnCoordinator, broadcaster *EventBroadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcaster == nil {
		broadcaster = NewEventBroadcaster(logger)
	}
	return &Service{
		store:       st,
		pool:        pool,
		coord:       coord,
		broadcaster: broadcaster,
		seen:        newRecentSubmissions(dedupeTTL, dedupeMaxSize),
		logger:      logger.With("component", "conversation"),
		queuedKeys:  make(map[string]agentpool.Key),
	}
}

// Close releases the service's in-memory resources. Pending turns keep
// running; only the broadcaster shuts down.
func (s *Service) Close() {
	s.broadcaster.Close()
}

// SendRequest contains everything needed to submit a user message
type SendRequest struct {
	// ConversationID may name an existing conversation or a new one to
	// create. Empty generates a fresh conversation.
	ConversationID string

	// Content is the user's message text. Required.
	Content string

	// ClientMessageID optionally identifies this submission for retry
	// suppression: a repeat within the dedupe window returns ErrDuplicate.
	ClientMessageID string

	// Agent routing; empty fields fall back to the pool's defaults.
	Provider string
	Model    string
	Tools    string
}

// SendResult reports how the message was admitted
type SendResult struct {
	ConversationID string
	// UserMessageID is the persisted user message.
	UserMessageID string
	// Queued means a turn was already running; the message waits in FIFO
	// order and AssistantMessageID is empty.
	Queued bool
	// AssistantMessageID is the running placeholder the turn streams into.
	AssistantMessageID string
}

// Send records the user message, then either starts its turn in the
// background or leaves it queued behind the conversation's active turn.
//
// Key principle: record first, then act. The user message is saved BEFORE
// any agent work starts, so there is a durable record even if the agent
// fails to launch.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("content is required")
	}
	if req.ClientMessageID != "" && s.seen.CheckAndMark(req.ClientMessageID) {
		return nil, fmt.Errorf("client message %s: %w", req.ClientMessageID, ErrDuplicate)
	}

	conv, err := s.ensureConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("resolving conversation: %w", err)
	}

	// The message enters as queued; the coordinator promotes it to done on
	// accept. It must never be running here - only the active assistant
	// placeholder holds that status, and a message stranded at running by a
	// failed admission would be invisible to the recovery sweep.
	userMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        req.Content,
		Status:         store.StatusQueued,
	}
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("recording user message: %w", err)
	}

	s.logger.Debug("user message recorded",
		"conversation_id", conv.ID,
		"message_id", userMsg.ID)

	decision, err := s.coord.StartOrEnqueue(ctx, conv.ID, userMsg.ID)
	if err != nil {
		return nil, fmt.Errorf("admitting turn: %w", err)
	}

	result := &SendResult{
		ConversationID: conv.ID,
		UserMessageID:  userMsg.ID,
		Queued:         decision.Queued,
	}
	key := agentpool.Key{Provider: req.Provider, Model: req.Model, Tools: req.Tools}
	if decision.Queued {
		s.rememberRouting(userMsg.ID, key)
		s.logger.Debug("turn queued behind active turn",
			"conversation_id", conv.ID,
			"message_id", userMsg.ID)
		return result, nil
	}

	result.AssistantMessageID = decision.Assistant.ID
	go s.runTurn(conv.ID, key, req.Content, decision.Assistant.ID)
	return result, nil
}

// rememberRouting holds a queued submission's pool key until promotion.
func (s *Service) rememberRouting(messageID string, key agentpool.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuedKeys[messageID] = key
}

// takeRouting consumes the routing remembered for a promoted message. A
// message queued by another process sharing the store has no entry here and
// runs with the promoting turn's key.
func (s *Service) takeRouting(messageID string, fallback agentpool.Key) agentpool.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.queuedKeys[messageID]
	if !ok {
		return fallback
	}
	delete(s.queuedKeys, messageID)
	return key
}

// History returns a conversation's messages in creation order.
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, conversationID, limit)
}

// Conversations lists conversations, most recently active first.
func (s *Service) Conversations(ctx context.Context, limit int) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, limit)
}

// Subscribe registers for live turn events on a conversation.
func (s *Service) Subscribe(ctx context.Context, conversationID string) (<-chan TurnEvent, string) {
	return s.broadcaster.Subscribe(ctx, conversationID)
}

// ensureConversation resolves an existing conversation or creates one.
func (s *Service) ensureConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if id == "" {
		conv := &store.Conversation{ID: uuid.New().String()}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
		s.logger.Debug("conversation created", "conversation_id", conv.ID)
		return conv, nil
	}

	conv, err := s.store.GetConversation(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// Caller-chosen ID that does not exist yet - create it. A concurrent
	// creator racing us just means the insert fails and the lookup succeeds.
	conv = &store.Conversation{ID: id}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		if existing, lookupErr := s.store.GetConversation(ctx, id); lookupErr == nil {
			s.logger.Debug("found existing conversation after race", "conversation_id", id)
			return existing, nil
		}
		return nil, err
	}
	s.logger.Debug("conversation created", "conversation_id", conv.ID)
	return conv, nil
}

// runTurn executes one accepted turn on its own goroutine and then drains the
// conversation's queue, chaining each promoted turn into a fresh goroutine.
// It deliberately uses background contexts: a turn outlives the request that
// submitted it.
func (s *Service) runTurn(conversationID string, key agentpool.Key, content, assistantID string) {
	ctx := context.Background()

	turnErr := s.pool.WithClient(ctx, key, func(c agentpool.Client) error {
		cmd := agentrpc.Command{Type: agentrpc.CmdPrompt, Prompt: content}
		return c.Stream(ctx, cmd, func(ev agentrpc.Event) error {
			return s.handleEvent(conversationID, assistantID, ev)
		})
	})

	s.finishTurn(conversationID, assistantID, turnErr)

	// Completion handling must run on every exit path or the conversation
	// would stay processing forever.
	next, err := s.coord.FinalizeAndAdvance(ctx, conversationID)
	if err != nil {
		s.logger.Error("finalizing turn",
			"conversation_id", conversationID, "error", err)
		return
	}
	if next != nil {
		nextKey := s.takeRouting(next.User.ID, key)
		go s.runTurn(conversationID, nextKey, next.User.Content, next.Assistant.ID)
	}
}

// handleEvent translates one streamed agent event into persistence and
// broadcast. Unknown event types are logged and skipped; a store failure
// aborts the turn.
func (s *Service) handleEvent(conversationID, assistantID string, ev agentrpc.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	switch ev.Type {
	case eventText:
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(ev.Raw, &payload); err != nil || payload.Text == "" {
			return nil
		}
		if err := s.store.AppendMessageContent(ctx, assistantID, payload.Text); err != nil {
			return fmt.Errorf("appending streamed text: %w", err)
		}
		s.broadcaster.Publish(TurnEvent{
			ConversationID: conversationID,
			MessageID:      assistantID,
			Kind:           TurnText,
			Text:           payload.Text,
		})

	case eventToolUse:
		var payload struct {
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal(ev.Raw, &payload); err != nil || payload.ID == "" {
			return nil
		}
		tc := &store.ToolCall{
			ID:             payload.ID,
			MessageID:      assistantID,
			ConversationID: conversationID,
			Name:           payload.Name,
			InputJSON:      string(payload.Input),
			Status:         store.StatusRunning,
		}
		if err := s.store.CreateToolCall(ctx, tc); err != nil {
			return fmt.Errorf("recording tool call: %w", err)
		}
		s.broadcaster.Publish(TurnEvent{
			ConversationID: conversationID,
			MessageID:      assistantID,
			Kind:           TurnToolUse,
			ToolCallID:     payload.ID,
			ToolName:       payload.Name,
		})

	case eventToolResult:
		var payload struct {
			ID      string `json:"id"`
			Output  string `json:"output"`
			IsError bool   `json:"is_error"`
		}
		if err := json.Unmarshal(ev.Raw, &payload); err != nil || payload.ID == "" {
			return nil
		}
		status := store.StatusDone
		if payload.IsError {
			status = store.StatusError
		}
		if err := s.store.FinishToolCall(ctx, payload.ID, payload.Output, status); err != nil {
			return fmt.Errorf("recording tool result: %w", err)
		}
		s.broadcaster.Publish(TurnEvent{
			ConversationID: conversationID,
			MessageID:      assistantID,
			Kind:           TurnToolResult,
			ToolCallID:     payload.ID,
		})

	case agentrpc.EventTurnComplete:
		// Terminal marker; completion is handled after Stream returns.

	default:
		s.logger.Debug("ignoring agent event",
			"conversation_id", conversationID, "type", ev.Type)
	}
	return nil
}

// finishTurn resolves the assistant message to a terminal status. A failed
// turn is marked error with a short cause category rather than left running.
func (s *Service) finishTurn(conversationID, assistantID string, turnErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if turnErr == nil {
		if err := s.store.SetMessageStatus(ctx, assistantID, store.StatusDone); err != nil {
			s.logger.Error("marking assistant message done",
				"message_id", assistantID, "error", err)
		}
		s.broadcaster.Publish(TurnEvent{
			ConversationID: conversationID,
			MessageID:      assistantID,
			Kind:           TurnDone,
		})
		return
	}

	category := causeCategory(turnErr)
	s.logger.Warn("turn failed",
		"conversation_id", conversationID,
		"message_id", assistantID,
		"cause", category,
		"error", turnErr)

	content := category
	if msg, err := s.store.GetMessage(ctx, assistantID); err == nil && msg.Content != "" {
		content = msg.Content + "\n\n[" + category + "]"
	}
	if err := s.store.SetMessageContent(ctx, assistantID, content, store.StatusError); err != nil {
		s.logger.Error("marking assistant message errored",
			"message_id", assistantID, "error", err)
	}
	s.broadcaster.Publish(TurnEvent{
		ConversationID: conversationID,
		MessageID:      assistantID,
		Kind:           TurnError,
		Text:           category,
	})
}

// causeCategory maps a turn failure to the short human-readable category
// persisted with the errored message.
func causeCategory(err error) string {
	switch {
	case errors.Is(err, agentrpc.ErrTimeout):
		return "agent timeout"
	case errors.Is(err, agentrpc.ErrProcess):
		return "agent process failure"
	default:
		return "agent error"
	}
}
