// ABOUTME: Package documentation for coordinator
// ABOUTME: Explains the per-conversation turn state machine and recovery

// Package coordinator enforces single-writer turn semantics per conversation.
//
// A conversation is either idle or running one turn. StartOrEnqueue accepts a
// user message when idle and queues it otherwise; FinalizeAndAdvance ends the
// active turn and promotes the oldest queued message in FIFO order. Both run
// inside the store's serialized conversation transaction, so the contract
// holds across every process sharing the database.
//
// RecoverStale is the backstop for execution units that die without
// finalizing: it forces long-stuck conversations back to idle and marks their
// running messages and tool calls as errored. The sweep is lease-guarded so
// concurrent deployments do not double-sweep.
package coordinator
