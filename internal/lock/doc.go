// Package lock provides the mutual-exclusion primitives used to coordinate
// compiler state in the host.
//
// Reentrant is a single-owner lock keyed by an explicit token. A scope that
// holds the lock passes its token to nested calls so they run without
// blocking on themselves. Reentrancy is decided by value equality on the
// token, never by goroutine identity: any goroutine carrying the current
// token is treated as the holder.
//
// RwLock guards a value with shared/exclusive access. Writers take priority
// once the current readers drain.
//
// Both locks release on every exit path (errors and panics included) and
// never leave waiters parked after a release: Reentrant wakes every waiter as
// a batch and lets them race for the next acquire, RwLock wakes one writer or
// all readers.
package lock
