package lock

import (
	"context"
	"log/slog"
	"sync"
)

// Token identifies the current holder of a Reentrant lock.
// The zero Token means "no token" (and, as a holder, "unlocked").
type Token uint64

// NoToken is passed by callers that do not already hold the lock.
const NoToken Token = 0

// ScopeFunc is the body of a locked scope. It receives the token that owns
// the lock for its duration and must pass that token to nested scopes.
type ScopeFunc func(ctx context.Context, token Token) error

// Reentrant is an async mutual-exclusion lock that the current holder may
// re-enter by presenting its token.
//
// Thread-safety: all methods are safe for concurrent use.
//
// INVARIANTS:
//   - holder != 0 exactly while a scope minted by this lock is running
//   - tokens are minted from a monotonically increasing counter and never reused
//   - check-free, mint and mark-held happen in one critical section
type Reentrant struct {
	mu      sync.Mutex
	holder  Token
	minted  Token
	wake    chan struct{} // closed on release; nil while nobody waits
	waiting int
}

// NewReentrant creates an unlocked Reentrant lock.
func NewReentrant() *Reentrant {
	return &Reentrant{}
}

// LockedScope runs fn with exclusive ownership of the lock.
//
// If the lock is free a new token is minted and fn runs with it; the lock is
// released when fn returns or panics. If token equals the current holder, fn
// runs immediately with that token. A stale token is dropped; if another
// caller holds the lock it is logged as a protocol violation and the call
// then waits like any other caller.
//
// Returns ctx.Err() if the context is cancelled while waiting; otherwise
// returns fn's error.
func (l *Reentrant) LockedScope(ctx context.Context, token Token, fn ScopeFunc) error {
	for {
		l.mu.Lock()
		if token != NoToken && token == l.holder {
			l.mu.Unlock()
			return fn(ctx, token)
		}
		if token != NoToken {
			if l.holder != NoToken {
				slog.Warn("lock protocol violation: token does not own the lock",
					"token", token,
					"holder", l.holder,
				)
			}
			token = NoToken
		}
		if l.holder == NoToken {
			l.minted++
			owned := l.minted
			l.holder = owned
			l.mu.Unlock()
			return l.run(ctx, owned, fn)
		}

		if l.wake == nil {
			l.wake = make(chan struct{})
		}
		wake := l.wake
		l.waiting++
		l.mu.Unlock()

		select {
		case <-wake:
			l.mu.Lock()
			l.waiting--
			l.mu.Unlock()
		case <-ctx.Done():
			l.mu.Lock()
			l.waiting--
			l.mu.Unlock()
			return ctx.Err()
		}
	}
}

// run executes fn as the owner of token and releases afterwards.
func (l *Reentrant) run(ctx context.Context, token Token, fn ScopeFunc) error {
	defer l.release(token)
	return fn(ctx, token)
}

// release frees the lock and wakes every waiter at once. Woken waiters
// re-check the lock state and either acquire it or park again.
func (l *Reentrant) release(token Token) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != token {
		// Unreachable unless the bookkeeping above is broken.
		slog.Error("lock released by non-holder", "token", token, "holder", l.holder)
		return
	}
	l.holder = NoToken
	if l.wake != nil {
		close(l.wake)
		l.wake = nil
	}
}

// Holder returns the current holder's token, or NoToken when unlocked.
func (l *Reentrant) Holder() Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// Waiting returns the number of callers parked waiting for a release.
// Useful for tests and diagnostics.
func (l *Reentrant) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting
}
