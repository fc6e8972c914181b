package relay

import (
	"context"
	"sync"
)

// LockRegistry hands out one FIFO lock per conversation key. Each waiter
// queues on the release of the caller before it. Keys with no holder and no
// waiters are removed.
type LockRegistry struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{tails: make(map[string]chan struct{})}
}

// Acquire blocks until key is free or ctx is done. The returned release must
// be called exactly once on success; extra calls are no-ops.
func (l *LockRegistry) Acquire(ctx context.Context, key string) (func(), error) {
	own := make(chan struct{})

	l.mu.Lock()
	prev := l.tails[key]
	l.tails[key] = own
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			if l.tails[key] == own {
				delete(l.tails, key)
			}
			l.mu.Unlock()
			close(own)
		})
	}

	if prev == nil {
		return release, nil
	}

	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// Our slot is already in the chain; hand it on once the predecessor
		// lets go so later waiters are not stranded.
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// Len reports how many keys currently have a holder or waiters.
func (l *LockRegistry) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tails)
}
