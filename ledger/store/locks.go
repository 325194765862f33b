package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// LOCK TABLE - Exclusive per-key locks with bounded waits
// =============================================================================

// lockTable hands out one channel mutex per key. Entries are reference
// counted and dropped once nobody holds or waits on them.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

// acquire blocks until key is free, ctx is done, or timeout elapses.
func (lt *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	lt.mu.Lock()
	l, ok := lt.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		lt.locks[key] = l
	}
	l.refs++
	lt.mu.Unlock()

	// Fast path.
	select {
	case l.ch <- struct{}{}:
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		lt.drop(key, l)
		return ledger.ContextError("lock "+key, ctx.Err())
	case <-expired:
		lt.drop(key, l)
		return &ledger.ConcurrencyError{
			Op:  "lock " + key,
			Err: fmt.Errorf("%w after %s", ledger.ErrLockTimeout, timeout),
		}
	}
}

func (lt *lockTable) release(key string) {
	lt.mu.Lock()
	l, ok := lt.locks[key]
	lt.mu.Unlock()
	if !ok {
		return
	}
	<-l.ch
	lt.drop(key, l)
}

func (lt *lockTable) drop(key string, l *keyLock) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(lt.locks, key)
	}
}

// size reports how many keys are held or waited on.
func (lt *lockTable) size() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.locks)
}

func errNotLocked(key any) error {
	return fmt.Errorf("%v is not locked in this unit", key)
}
