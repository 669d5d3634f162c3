// Package agentrpc speaks the agent subprocess's line-delimited JSON protocol.
//
// # Overview
//
// A Client owns one external agent process and its stdio channels. Commands
// go out as one JSON object per line; responses and streaming events come
// back the same way, possibly wrapped in terminal noise that the framing
// layer strips before parsing.
//
// Two call shapes exist:
//
//   - Call: one command, one "response"-typed message back. Used for control
//     operations (get_state, new_session, set_model, ...).
//   - Stream: one prompt command, then a sequence of typed events delivered
//     to a callback until the terminal turn_complete event.
//
// # Concurrency
//
// Reading happens on a dedicated goroutine that queues parsed events on a
// channel; Call and Stream drain that channel under their own wall-clock
// deadline, so a pipe read that never returns cannot defeat the timeout. A
// second goroutine continuously drains stderr into a bounded ring so the
// subprocess can never stall on a full error pipe.
//
// # Failure modes
//
// The two error classes are deliberately distinct:
//
//   - ErrProcess: the process died or desynced mid-call. The handle is
//     poisoned; the pool evicts and respawns.
//   - ErrTimeout: the budget elapsed with the process still alive. A hang,
//     possibly model-side slowness; retryable, though the handle is torn
//     down defensively all the same.
//
// The client never retries internally; every failure propagates to the pool.
package agentrpc
