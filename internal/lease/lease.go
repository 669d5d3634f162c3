// ABOUTME: Named, time-boxed mutual exclusion built on a shared lease row
// ABOUTME: Bounded-retry acquire, token-checked release, with-lock helper

package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrBusy indicates another holder currently owns the lease. It is an
// expected contention outcome, not a failure worth alerting on.
var ErrBusy = errors.New("lease busy")

// retryInterval is how long Acquire sleeps between claim attempts.
const retryInterval = 250 * time.Millisecond

// LeaseStore defines what the locker needs from storage.
type LeaseStore interface {
	TryAcquireLease(ctx context.Context, key, token string, duration time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, token string) error
}

// Locker coordinates mutually exclusive work across processes sharing one
// lease table. Ownership is proven by token, not caller identity, so a
// crashed holder's lease is reclaimable after its duration elapses.
type Locker struct {
	store  LeaseStore
	logger *slog.Logger
}

// New creates a Locker. Pass nil logger for default.
func New(store LeaseStore, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		store:  store,
		logger: logger.With("component", "lease"),
	}
}

// Acquire claims the named lease, retrying until wait elapses. A wait of zero
// means try exactly once and fail fast with ErrBusy — the mode periodic
// sweeps use so they skip rather than pile up. On success the returned token
// must be passed to Release.
func (l *Locker) Acquire(ctx context.Context, key string, wait, duration time.Duration) (string, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.store.TryAcquireLease(ctx, key, token, duration)
		if err != nil {
			return "", fmt.Errorf("acquiring lease %q: %w", key, err)
		}
		if ok {
			l.logger.Debug("lease acquired", "key", key, "duration", duration)
			return token, nil
		}
		if !time.Now().Add(retryInterval).Before(deadline) {
			return "", ErrBusy
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Release frees the lease if token still owns it. Double-release and
// wrong-owner release are no-ops.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if err := l.store.ReleaseLease(ctx, key, token); err != nil {
		return fmt.Errorf("releasing lease %q: %w", key, err)
	}
	l.logger.Debug("lease released", "key", key)
	return nil
}

// WithLock acquires the lease, runs fn, and always releases if the acquire
// succeeded — including when fn panics or returns an error.
func (l *Locker) WithLock(ctx context.Context, key string, wait, duration time.Duration, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, key, wait, duration)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), key, token); err != nil {
			l.logger.Warn("lease release failed", "key", key, "error", err)
		}
	}()

	return fn(ctx)
}
