// ABOUTME: SQLite implementation of hearth persistence using modernc.org/sqlite
// ABOUTME: Provides conversation/message/tool-call/lease storage with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements hearth persistence using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Writers wait for the lock instead of failing with SQLITE_BUSY
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                    TEXT PRIMARY KEY,
			title                 TEXT NOT NULL DEFAULT '',
			processing            INTEGER NOT NULL DEFAULT 0,
			processing_started_at DATETIME,
			created_at            DATETIME NOT NULL,
			updated_at            DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_processing
			ON conversations(processing, processing_started_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),

			CHECK (role IN ('user', 'assistant')),
			CHECK (status IN ('queued', 'running', 'done', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_status
			ON messages(conversation_id, status);

		CREATE TABLE IF NOT EXISTS message_tool_calls (
			id              TEXT PRIMARY KEY,
			message_id      TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			name            TEXT NOT NULL,
			input_json      TEXT NOT NULL DEFAULT '',
			output          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL,
			FOREIGN KEY (message_id) REFERENCES messages(id),

			CHECK (status IN ('running', 'done', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_tool_calls_message
			ON message_tool_calls(message_id);

		CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation
			ON message_tool_calls(conversation_id, status);

		CREATE TABLE IF NOT EXISTS leases (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation row
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	stampNew(&conv.CreatedAt, &conv.UpdatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, processing, processing_started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, boolToInt(conv.Processing), conv.ProcessingStartedAt, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by ID, or ErrNotFound
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, processing, processing_started_at, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns conversations ordered by most recently updated.
// A non-positive limit returns everything.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, processing, processing_started_at, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// ListStaleProcessing returns IDs of conversations that have been processing
// since before the given cutoff. Used by the recovery sweep.
func (s *SQLiteStore) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM conversations
		WHERE processing = 1 AND processing_started_at IS NOT NULL AND processing_started_at < ?`,
		olderThan)
	if err != nil {
		return nil, fmt.Errorf("querying stale conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateMessage inserts a new message row
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	stampNew(&msg.CreatedAt, &msg.UpdatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Status, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage returns a message by ID, or ErrNotFound
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, status, created_at, updated_at
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns messages for a conversation in creation order. A
// non-positive limit returns everything.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, status, created_at, updated_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// SetMessageStatus updates a message's status
func (s *SQLiteStore) SetMessageStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	return requireOneRow(res)
}

// AppendMessageContent appends a chunk to a message's content
func (s *SQLiteStore) AppendMessageContent(ctx context.Context, id, chunk string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = content || ?, updated_at = ? WHERE id = ?`,
		chunk, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("appending message content: %w", err)
	}
	return requireOneRow(res)
}

// SetMessageContent replaces a message's content and status in one update
func (s *SQLiteStore) SetMessageContent(ctx context.Context, id, content, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, status = ?, updated_at = ? WHERE id = ?`,
		content, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating message content: %w", err)
	}
	return requireOneRow(res)
}

// CreateToolCall inserts a new tool call row
func (s *SQLiteStore) CreateToolCall(ctx context.Context, tc *ToolCall) error {
	stampNew(&tc.CreatedAt, &tc.UpdatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_tool_calls (id, message_id, conversation_id, name, input_json, output, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.MessageID, tc.ConversationID, tc.Name, tc.InputJSON, tc.Output, tc.Status, tc.CreatedAt, tc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting tool call: %w", err)
	}
	return nil
}

// FinishToolCall records a tool call's output and terminal status
func (s *SQLiteStore) FinishToolCall(ctx context.Context, id, output, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_tool_calls SET output = ?, status = ?, updated_at = ? WHERE id = ?`,
		output, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating tool call: %w", err)
	}
	return requireOneRow(res)
}

// ListToolCalls returns tool calls for a message in creation order
func (s *SQLiteStore) ListToolCalls(ctx context.Context, messageID string) ([]*ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, conversation_id, name, input_json, output, status, created_at, updated_at
		FROM message_tool_calls WHERE message_id = ?
		ORDER BY created_at ASC, id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying tool calls: %w", err)
	}
	defer rows.Close()

	var calls []*ToolCall
	for rows.Next() {
		tc := &ToolCall{}
		if err := rows.Scan(&tc.ID, &tc.MessageID, &tc.ConversationID, &tc.Name,
			&tc.InputJSON, &tc.Output, &tc.Status, &tc.CreatedAt, &tc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning tool call: %w", err)
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// stampNew fills zero timestamps with the current time before an insert.
func stampNew(createdAt, updatedAt *time.Time) {
	now := time.Now().UTC()
	if createdAt.IsZero() {
		*createdAt = now
	}
	if updatedAt.IsZero() {
		*updatedAt = now
	}
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	conv := &Conversation{}
	var processing int
	var startedAt sql.NullTime
	err := row.Scan(&conv.ID, &conv.Title, &processing, &startedAt, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	conv.Processing = processing != 0
	if startedAt.Valid {
		t := startedAt.Time
		conv.ProcessingStartedAt = &t
	}
	return conv, nil
}

func scanMessage(row scanner) (*Message, error) {
	msg := &Message{}
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
		&msg.Status, &msg.CreatedAt, &msg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return msg, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
