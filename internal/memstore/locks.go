package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-ledger/internal/ledger"
)

// lockTable hands out exclusive per-row locks. A lock is a one-slot channel:
// holding it means having sent into it.
type lockTable struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{slots: make(map[string]chan struct{})}
}

func (t *lockTable) slot(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.slots[key] = ch
	}
	return ch
}

// tryAcquire takes key only if it is free.
func (t *lockTable) tryAcquire(key string) bool {
	select {
	case t.slot(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

// acquire waits at most timeout for key.
func (t *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	if t.tryAcquire(key) {
		return nil
	}
	ch := t.slot(key)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return ledger.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *lockTable) release(key string) {
	<-t.slot(key)
}
