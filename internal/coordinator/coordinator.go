// ABOUTME: Single-writer turn coordination per conversation
// ABOUTME: Accepts or queues incoming turns and drains the queue in FIFO order

package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hearth/internal/store"
)

// TurnStore is the slice of the store the coordinator drives turn state
// through.
type TurnStore interface {
	WithConversationTx(ctx context.Context, conversationID string, fn func(tx *store.TurnTx) error) error
	ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]string, error)
}

// Locker grants the recovery sweep its cross-process exclusivity.
type Locker interface {
	Acquire(ctx context.Context, key string, wait, duration time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// Decision is the outcome of offering a user message for execution.
type Decision struct {
	// Queued means the conversation already had an active turn; the message
	// waits its turn and no placeholder exists yet.
	Queued bool
	// Assistant is the running placeholder for the accepted turn. Nil when
	// Queued.
	Assistant *store.Message
}

// NextTurn names the queued turn promoted by FinalizeAndAdvance.
type NextTurn struct {
	// User is the formerly queued message, now accepted.
	User *store.Message
	// Assistant is its fresh running placeholder.
	Assistant *store.Message
}

// Config holds the coordinator's timing tunables.
type Config struct {
	// StaleThreshold is how long a turn may hold processing before the
	// recovery sweep treats its execution unit as dead.
	StaleThreshold time.Duration
	// LeaseDuration bounds the sweep's cross-process lease.
	LeaseDuration time.Duration
}

// Coordinator enforces one active turn per conversation across every process
// sharing the store.
type Coordinator struct {
	store  TurnStore
	locker Locker
	cfg    Config
	logger *slog.Logger
}

func New(ts TurnStore, locker Locker, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  ts,
		locker: locker,
		cfg:    cfg,
		logger: logger.With("component", "coordinator"),
	}
}

// StartOrEnqueue offers messageID for execution on its conversation. If the
// conversation is idle the turn is accepted: the message becomes done
// (accepted, not answered), a running assistant placeholder is created, and
// processing flips on. If a turn is already active the message is queued
// instead.
func (c *Coordinator) StartOrEnqueue(ctx context.Context, conversationID, messageID string) (*Decision, error) {
	var decision Decision
	err := c.store.WithConversationTx(ctx, conversationID, func(tx *store.TurnTx) error {
		processing, err := tx.Processing()
		if err != nil {
			return err
		}
		if processing {
			if err := tx.SetMessageStatus(messageID, store.StatusQueued); err != nil {
				return err
			}
			decision = Decision{Queued: true}
			return nil
		}

		assistant, err := c.accept(tx, messageID)
		if err != nil {
			return err
		}
		decision = Decision{Assistant: assistant}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("starting turn for conversation %s: %w", conversationID, err)
	}
	return &decision, nil
}

// FinalizeAndAdvance ends the conversation's active turn and, if messages are
// queued, immediately accepts the oldest one. Callers must invoke this on
// every turn exit path, success or failure; the returned NextTurn (nil when
// the queue is empty) is theirs to execute.
func (c *Coordinator) FinalizeAndAdvance(ctx context.Context, conversationID string) (*NextTurn, error) {
	var next *NextTurn
	err := c.store.WithConversationTx(ctx, conversationID, func(tx *store.TurnTx) error {
		if err := tx.SetProcessing(false); err != nil {
			return err
		}

		queued, err := tx.OldestQueuedMessage()
		if err != nil {
			return err
		}
		if queued == nil {
			return nil
		}

		assistant, err := c.accept(tx, queued.ID)
		if err != nil {
			return err
		}
		queued.Status = store.StatusDone
		next = &NextTurn{User: queued, Assistant: assistant}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finalizing turn for conversation %s: %w", conversationID, err)
	}
	if next != nil {
		c.logger.Debug("promoted queued turn",
			"conversation_id", conversationID, "message_id", next.User.ID)
	}
	return next, nil
}

// accept runs the shared accept path: the user message is marked done,
// processing flips on, and a running assistant placeholder is created.
func (c *Coordinator) accept(tx *store.TurnTx, messageID string) (*store.Message, error) {
	if err := tx.SetProcessing(true); err != nil {
		return nil, err
	}
	if err := tx.SetMessageStatus(messageID, store.StatusDone); err != nil {
		return nil, err
	}
	return tx.InsertAssistantPlaceholder(uuid.New().String())
}
