// ABOUTME: Data types and errors for hearth persistence
// ABOUTME: Defines Conversation, Message, ToolCall structs and status constants

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message status values. A user message is "queued" from insertion until the
// coordinator accepts it, which can be immediate or after the conversation's
// active turn drains; "done" on a user message means accepted, not answered.
// Only the active assistant placeholder is ever "running".
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusError   = "error"
)

// Conversation represents one chat conversation. Processing is true while an
// assistant turn is executing; ProcessingStartedAt is set iff Processing.
type Conversation struct {
	ID                  string
	Title               string
	Processing          bool
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Message represents a single user or assistant message within a conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           string // "user", "assistant"
	Content        string
	Status         string // "queued", "running", "done", "error"
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ToolCall represents a tool invocation recorded under an assistant message.
type ToolCall struct {
	ID             string
	MessageID      string
	ConversationID string
	Name           string
	InputJSON      string
	Output         string
	Status         string // "running", "done", "error"
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
