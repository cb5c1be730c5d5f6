package orchestrator

import (
	"context"
	"sync"
)

// keyedLock serializes holders of the same key in strict arrival order.
// Waiters are handed the lock directly, so a late arrival can never overtake
// an earlier one.
type keyedLock struct {
	mu     sync.Mutex
	queues map[string]*lockQueue
}

type lockQueue struct {
	waiters []chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{queues: make(map[string]*lockQueue)}
}

// Lock blocks until key is held or ctx is done. The returned func releases it.
func (k *keyedLock) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	q, held := k.queues[key]
	if !held {
		k.queues[key] = &lockQueue{}
		k.mu.Unlock()
		return func() { k.unlock(key) }, nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	k.mu.Unlock()

	select {
	case <-ch:
		return func() { k.unlock(key) }, nil
	case <-ctx.Done():
		k.mu.Lock()
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				k.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		k.mu.Unlock()
		// handed the lock while giving up; pass it on
		k.unlock(key)
		return nil, ctx.Err()
	}
}

// TryLock takes key only if nobody holds it.
func (k *keyedLock) TryLock(key string) (func(), bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, held := k.queues[key]; held {
		return nil, false
	}
	k.queues[key] = &lockQueue{}
	return func() { k.unlock(key) }, true
}

func (k *keyedLock) unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	q, ok := k.queues[key]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(k.queues, key)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}
