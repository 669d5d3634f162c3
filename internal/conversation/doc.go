// ABOUTME: Package documentation for conversation
// ABOUTME: Describes the turn lifecycle from user message to terminal status

// Package conversation is the layer that turns persisted user messages into
// executed agent turns.
//
// Send records the user message first, then asks the coordinator whether the
// conversation is free. Accepted turns run on background goroutines: the
// pool lends a warm agent process, the streamed events are translated into
// message and tool-call rows, and the broadcaster fans live progress out to
// subscribers. When a turn ends - success, failure, or timeout - the
// coordinator finalizes it and hands back the next queued turn, which chains
// into its own goroutine until the queue drains.
//
// A failed turn always resolves the assistant message to an error status
// with a short cause category. Nothing in this package leaves a conversation
// stuck; the coordinator's recovery sweep covers crashes that skip even the
// finalize path.
package conversation
