// Package store provides SQLite persistence for hearth.
//
// # Overview
//
// The store holds four tables:
//
//   - conversations: chat conversations with the single-writer turn state
//     (processing flag + processing_started_at timestamp)
//   - messages: user and assistant messages with a status lifecycle
//     (queued -> running -> done/error)
//   - message_tool_calls: tool invocations recorded under assistant messages
//   - leases: named lease rows backing the cross-process lock
//
// # Conversation transactions
//
// Turn-state mutations go through WithConversationTx, which opens a write
// transaction before reading the processing flag. SQLite's single-writer
// rule then serializes all turn decisions for a conversation across every
// process sharing the database file:
//
//	err := s.WithConversationTx(ctx, convID, func(tx *store.TurnTx) error {
//		processing, err := tx.Processing()
//		...
//	})
//
// # Leases
//
// TryAcquireLease performs one conditional UPDATE: the claim succeeds only
// when the row is unowned or the previous owner's lease has expired. There is
// no held transaction; ownership is proven by token equality, so releases are
// idempotent and a crashed holder's lease simply ages out.
package store
