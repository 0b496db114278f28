// Package lock implements a non-blocking distributed mutex on top of the
// shared store's SET-IF-ABSENT-WITH-TTL primitive.
//
// A Lock makes a single acquisition attempt and never retries internally;
// the caller decides whether to retry, wait, or abort. Each acquisition
// stores a fresh opaque token so that only the holder that set the key can
// release it - a holder whose lease expired cannot delete a lock someone
// else has since acquired.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/surge/internal/util"
	"github.com/unkn0wn-root/surge/store"
)

// Lock is a handle for one mutex key. It is not safe for concurrent use by
// multiple goroutines: each execution context should construct its own
// handle (tokens are per-acquisition, not per-process).
type Lock struct {
	st    store.Store
	key   string
	lease time.Duration

	token string // set by the last successful TryAcquire
}

// New returns a handle for the mutex named name with the given lease.
// The stored key is "lock:<name>".
func New(st store.Store, name string, lease time.Duration) *Lock {
	return &Lock{st: st, key: util.LockKey(name), lease: lease}
}

// TryAcquire makes one SET-IF-ABSENT attempt. It returns (true, nil) when
// the lock was acquired, (false, nil) when another holder has it, and
// (false, err) when the store could not be reached - callers must treat the
// last two differently only for reporting; both mean "could not proceed now".
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.st.SetIfAbsent(ctx, l.key, []byte(token), l.lease)
	if err != nil {
		return false, err
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release deletes the lock key only if it still holds this handle's token.
// If the lease already expired and another holder reacquired the key, the
// token no longer matches and the delete is skipped.
func (l *Lock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil // never acquired
	}
	cur, ok, err := l.st.Get(ctx, l.key)
	if err != nil {
		return err
	}
	if !ok || string(cur) != l.token {
		return nil // expired and possibly reassigned; not ours to delete
	}
	return l.st.Del(ctx, l.key)
}
