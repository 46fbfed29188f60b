/*
Package lock serializes work per account.

PURPOSE:
  The Service reads a balance, decides, and appends. Two requests for the
  same user must not interleave those steps; two requests for different
  users must never wait on each other.

IMPLEMENTATIONS:
  Local: one lock slot per key inside this process. Slots are reference
         counted and dropped when the last holder/waiter leaves, so the map
         does not grow with the number of users ever seen.
  Redis: SET NX PX lease shared by several server instances, released by
         a compare-and-delete script (redis.go).

Both honour context cancellation while waiting.
*/
package lock

import (
	"context"
	"sync"
)

// Local is an in-process keyed lock.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{} // buffered(1): holding the token == holding the lock
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Acquire blocks until the key is free or ctx is done.
func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(key)
		})
	}, nil
}

// Held reports how many keys currently have holders or waiters.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *Local) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
