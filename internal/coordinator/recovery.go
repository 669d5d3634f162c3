// ABOUTME: Staleness recovery sweep for conversations with dead execution units
// ABOUTME: Lease-guarded so only one process sweeps at a time

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/hearth/internal/lease"
	"github.com/2389/hearth/internal/store"
)

// recoveryLeaseKey names the sweep's cross-process lease row.
const recoveryLeaseKey = "conversation-recovery-sweep"

// interruptedNote is stamped onto messages and tool calls whose execution
// unit died. Prefixed onto partial content, substituted for blank content.
const interruptedNote = "[interrupted: execution unit did not finish] "

// RecoverStale finds conversations stuck processing past the staleness
// threshold and forces them back to idle, failing their running messages and
// tool calls. Returns the number of conversations recovered.
//
// The sweep takes the recovery lease with no wait budget: if another process
// holds it, this run is skipped entirely. Per-conversation failures are
// logged and do not abort the sweep.
func (c *Coordinator) RecoverStale(ctx context.Context) (int, error) {
	token, err := c.locker.Acquire(ctx, recoveryLeaseKey, 0, c.cfg.LeaseDuration)
	if errors.Is(err, lease.ErrBusy) {
		c.logger.Debug("recovery sweep already running elsewhere, skipping")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("acquiring recovery lease: %w", err)
	}
	defer func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), recoveryLeaseKey, token); err != nil {
			c.logger.Warn("releasing recovery lease", "error", err)
		}
	}()

	cutoff := time.Now().UTC().Add(-c.cfg.StaleThreshold)
	stale, err := c.store.ListStaleProcessing(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stale conversations: %w", err)
	}

	recovered := 0
	for _, conversationID := range stale {
		fixed, err := c.recoverOne(ctx, conversationID)
		if err != nil {
			c.logger.Error("recovering stale conversation",
				"conversation_id", conversationID, "error", err)
			continue
		}
		if fixed {
			recovered++
		}
	}
	if recovered > 0 {
		c.logger.Info("recovered stale conversations", "count", recovered)
	}
	return recovered, nil
}

// recoverOne forces one conversation back to idle. The processing flag is
// re-checked under the transaction since the turn may have completed between
// the scan and now.
func (c *Coordinator) recoverOne(ctx context.Context, conversationID string) (bool, error) {
	fixed := false
	err := c.store.WithConversationTx(ctx, conversationID, func(tx *store.TurnTx) error {
		processing, err := tx.Processing()
		if err != nil {
			return err
		}
		if !processing {
			return nil // completed on its own
		}

		if err := tx.SetProcessing(false); err != nil {
			return err
		}
		messages, err := tx.FailRunningMessages(interruptedNote)
		if err != nil {
			return err
		}
		toolCalls, err := tx.FailRunningToolCalls(interruptedNote)
		if err != nil {
			return err
		}
		c.logger.Warn("forced stale conversation back to idle",
			"conversation_id", conversationID,
			"failed_messages", messages,
			"failed_tool_calls", toolCalls,
		)
		fixed = true
		return nil
	})
	return fixed, err
}
