// Package optimistic tracks speculative (optimistic) values shown to users
// while the operation that will confirm them is still in flight.
//
// A Tracker holds at most one Update per subject id. Apply records the
// speculative value in the pending state; the caller then reports the real
// outcome with Confirm or Fail. Failed updates are retried with a linear
// backoff until MaxRetries is exceeded, after which they are rolled back.
// Pending updates that are never resolved are rolled back by a watchdog.
// Confirmed and rolled back updates stay readable for a short grace delay
// before they are evicted.
//
// Every scheduled callback re-checks the current state of the update it was
// scheduled for, so a stale timer is a no-op.
package optimistic
