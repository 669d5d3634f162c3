// Package lease provides a named, time-boxed lock shared across processes.
//
// The lock is one row per key in the store's leases table, claimed by a
// single conditional update rather than a held transaction. Busy is a normal
// outcome: callers either skip the guarded work (periodic sweeps, wait = 0)
// or retry within a bounded wait budget (foreground operations).
//
//	locker := lease.New(store, logger)
//	err := locker.WithLock(ctx, "recovery-sweep", 0, 10*time.Minute, func(ctx context.Context) error {
//		return sweep(ctx)
//	})
//	if errors.Is(err, lease.ErrBusy) {
//		// another process is already sweeping
//	}
package lease
