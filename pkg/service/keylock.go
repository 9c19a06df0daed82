package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/zots0127/dedupstore/pkg/types"
)

// keyLock serializes operations on a single fingerprint. Index transactions
// already linearize the blobs table, but the filesystem publish/remove for a
// fingerprint has to be sequenced with the index mutation that authorized it;
// holding the fingerprint's lock across both closes that window. Unrelated
// fingerprints never contend.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*lockEntry)}
}

// Lock acquires the lock for key, waiting no longer than ctx allows. An
// expired wait surfaces ErrBusy rather than blocking indefinitely.
func (k *keyLock) Lock(ctx context.Context, key string) error {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.release(key, e)
		return fmt.Errorf("%w: waiting for lock on %s: %v", types.ErrBusy, key, ctx.Err())
	}
}

// Unlock releases the lock for key. The entry is dropped from the table once
// no holder or waiter remains.
func (k *keyLock) Unlock(key string) {
	k.mu.Lock()
	e := k.locks[key]
	<-e.sem
	k.mu.Unlock()
	k.release(key, e)
}

func (k *keyLock) release(key string, e *lockEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
