// Package keylock provides exclusive, context-aware locks keyed by string.
//
// A lock springs into existence on first acquisition of its key and is
// dropped again once the last holder or waiter lets go, so the table is
// bounded by live contention rather than by the number of keys ever seen.
package keylock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locker maps keys to exclusive locks.
// The zero value is not usable; call New.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Acquire blocks until the key's lock is held or ctx is done. On success it
// returns a release func that is safe to call multiple times; callers should
// defer it so the lock is released on every exit path, panics included.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.drop(key, e)
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.sem.Release(1)
			l.drop(key, e)
		})
	}
	return release, nil
}

func (l *Locker) drop(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// Len reports the number of keys currently tracked.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
