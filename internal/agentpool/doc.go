// ABOUTME: Package documentation for agentpool
// ABOUTME: Explains keying, exclusivity, session resets, and eviction

// Package agentpool keeps warm agent subprocesses keyed by provider, model,
// and toolset so consecutive turns skip process startup.
//
// Checkout is exclusive per key: WithClient serializes borrowers of the same
// key on the entry lock, while different keys proceed in parallel. Every
// borrow begins with a session reset so no conversation state leaks between
// turns that happen to share a process. A borrow that returns an error stops
// the process instead of returning it warm.
//
// The pool never pre-spawns. Processes appear on first borrow and disappear
// through StopIdle, StopAll, or a failed borrow.
package agentpool
