package registry

import (
	"context"
	"sync"
	"time"

	"github.com/example/route-negotiation/internal/observability"
)

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedLocks hands out one mutex per request id. Entries are dropped once no
// caller holds or waits on them, so idle requests cost nothing.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry

	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
}

func newKeyedLocks(attempts int, backoff, maxBackoff time.Duration) *keyedLocks {
	return &keyedLocks{
		entries:    make(map[string]*lockEntry),
		attempts:   attempts,
		backoff:    backoff,
		maxBackoff: maxBackoff,
	}
}

func (k *keyedLocks) ref(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *keyedLocks) unref(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// acquire takes the lock for key, retrying with doubling delay. It returns
// ErrConcurrentModification once attempts are exhausted.
func (k *keyedLocks) acquire(ctx context.Context, key string) (func(), error) {
	e := k.ref(key)
	delay := k.backoff
	for attempt := 1; ; attempt++ {
		if e.mu.TryLock() {
			return func() {
				e.mu.Unlock()
				k.unref(key, e)
			}, nil
		}
		if attempt >= k.attempts {
			k.unref(key, e)
			observability.LockFailuresTotal.Inc()
			return nil, ErrConcurrentModification
		}
		observability.LockRetriesTotal.Inc()

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			k.unref(key, e)
			return nil, ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > k.maxBackoff {
			delay = k.maxBackoff
		}
	}
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
