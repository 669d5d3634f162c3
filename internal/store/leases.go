// ABOUTME: Lease row primitives backing the cross-process lock
// ABOUTME: Single conditional UPDATE claims, token-checked releases

package store

import (
	"context"
	"fmt"
	"time"
)

// TryAcquireLease attempts to claim the lease row for key with the given
// token. The claim is a single conditional update: it succeeds only if the
// row is currently unowned or its previous owner's lease has expired. Returns
// true iff exactly one row was updated, meaning the caller now holds the lease.
func (s *SQLiteStore) TryAcquireLease(ctx context.Context, key, token string, duration time.Duration) (bool, error) {
	now := time.Now().UTC()

	// Ensure the row exists; a concurrent insert losing this race is fine.
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (key, value, updated_at) VALUES (?, '', ?)
		ON CONFLICT(key) DO NOTHING`, key, now); err != nil {
		return false, fmt.Errorf("ensuring lease row: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET value = ?, updated_at = ?
		WHERE key = ? AND (value = '' OR updated_at < ?)`,
		token, now, key, now.Add(-duration))
	if err != nil {
		return false, fmt.Errorf("claiming lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking lease claim: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease clears the lease row for key if token still owns it.
// Releasing a lease held by someone else, or not held at all, is a no-op.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, key, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE leases SET value = '', updated_at = ?
		WHERE key = ? AND value = ?`,
		time.Now().UTC(), key, token)
	if err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}
