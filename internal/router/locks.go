package router

import (
	"context"
	"sync"
)

// threadLocks serialises work per thread. Waiters queue on a one-slot
// channel so they can give up when their context ends.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	slot chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// acquire blocks until the thread is free or ctx ends. The returned release
// must be called exactly once.
func (l *threadLocks) acquire(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{slot: make(chan struct{}, 1)}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.slot <- struct{}{}:
	case <-ctx.Done():
		l.unref(threadID, tl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.slot
			l.unref(threadID, tl)
		})
	}, nil
}

func (l *threadLocks) unref(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, threadID)
	}
}

// busy reports whether a thread is currently held.
func (l *threadLocks) busy(threadID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl, ok := l.locks[threadID]
	return ok && len(tl.slot) > 0
}
