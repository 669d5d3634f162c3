// ABOUTME: Conversation-scoped transactions used by the run coordinator
// ABOUTME: BEGIN IMMEDIATE serializes all turn-state mutations for a conversation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TurnTx is the view of one conversation's turn state inside a serialized
// transaction. All mutations are atomic with respect to other callers of
// WithConversationTx, in this process or any other sharing the database.
type TurnTx struct {
	tx             *sql.Tx
	conversationID string
}

// WithConversationTx runs fn against a serialized view of the conversation's
// turn state. The transaction is opened IMMEDIATE so concurrent writers block
// rather than fail midway; fn's error rolls everything back.
func (s *SQLiteStore) WithConversationTx(ctx context.Context, conversationID string, fn func(tx *TurnTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning conversation tx: %w", err)
	}
	// Take the write lock up front so the processing read below is stable.
	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET id = id WHERE id = ?", conversationID); err != nil {
		tx.Rollback()
		return fmt.Errorf("locking conversation row: %w", err)
	}

	if err := fn(&TurnTx{tx: tx, conversationID: conversationID}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation tx: %w", err)
	}
	return nil
}

// Processing reports whether the conversation currently has an active turn.
func (t *TurnTx) Processing() (bool, error) {
	var processing int
	err := t.tx.QueryRow(`SELECT processing FROM conversations WHERE id = ?`, t.conversationID).Scan(&processing)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("reading processing flag: %w", err)
	}
	return processing != 0, nil
}

// SetProcessing flips the conversation's processing flag. When on is true the
// started-at timestamp is set to now; when false it is cleared.
func (t *TurnTx) SetProcessing(on bool) error {
	now := time.Now().UTC()
	var startedAt any
	if on {
		startedAt = now
	}
	res, err := t.tx.Exec(`
		UPDATE conversations SET processing = ?, processing_started_at = ?, updated_at = ?
		WHERE id = ?`,
		boolToInt(on), startedAt, now, t.conversationID)
	if err != nil {
		return fmt.Errorf("updating processing flag: %w", err)
	}
	return requireOneRow(res)
}

// SetMessageStatus updates one message's status within the transaction.
func (t *TurnTx) SetMessageStatus(messageID, status string) error {
	res, err := t.tx.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	return requireOneRow(res)
}

// OldestQueuedMessage returns the oldest queued message in the conversation,
// or nil if the queue is empty.
func (t *TurnTx) OldestQueuedMessage() (*Message, error) {
	row := t.tx.QueryRow(`
		SELECT id, conversation_id, role, content, status, created_at, updated_at
		FROM messages WHERE conversation_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC LIMIT 1`,
		t.conversationID, StatusQueued)
	msg, err := scanMessage(row)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// InsertAssistantPlaceholder creates an empty running assistant message and
// returns it.
func (t *TurnTx) InsertAssistantPlaceholder(id string) (*Message, error) {
	now := time.Now().UTC()
	msg := &Message{
		ID:             id,
		ConversationID: t.conversationID,
		Role:           RoleAssistant,
		Status:         StatusRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := t.tx.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, status, created_at, updated_at)
		VALUES (?, ?, ?, '', ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Status, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting assistant placeholder: %w", err)
	}
	return msg, nil
}

// FailRunningMessages marks every running message in the conversation as
// errored, prefixing note onto non-empty content and substituting it for
// blank content. Returns the number of messages touched.
func (t *TurnTx) FailRunningMessages(note string) (int, error) {
	res, err := t.tx.Exec(`
		UPDATE messages
		SET status = ?,
			content = CASE WHEN content = '' THEN ? ELSE ? || content END,
			updated_at = ?
		WHERE conversation_id = ? AND status = ?`,
		StatusError, note, note, time.Now().UTC(), t.conversationID, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failing running messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking failed messages: %w", err)
	}
	return int(n), nil
}

// FailRunningToolCalls marks every running tool call in the conversation as
// errored with the given note as output. Returns the number touched.
func (t *TurnTx) FailRunningToolCalls(note string) (int, error) {
	res, err := t.tx.Exec(`
		UPDATE message_tool_calls
		SET status = ?, output = ?, updated_at = ?
		WHERE conversation_id = ? AND status = ?`,
		StatusError, note, time.Now().UTC(), t.conversationID, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failing running tool calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking failed tool calls: %w", err)
	}
	return int(n), nil
}
