package memory

import (
	"context"
	"sync"

	id "gatekeeper/pkg/domain"
)

type userLock struct {
	sem  chan struct{}
	refs int
}

// Locker is a keyed mutex: one lock per user, created on demand and dropped
// once nobody holds or waits for it.
type Locker struct {
	mu    sync.Mutex
	locks map[id.UserID]*userLock
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[id.UserID]*userLock)}
}

// Lock blocks until the user's lock is free or ctx ends.
func (l *Locker) Lock(ctx context.Context, userID id.UserID) (context.Context, func(error) error, error) {
	l.mu.Lock()
	ul := l.locks[userID]
	if ul == nil {
		ul = &userLock{sem: make(chan struct{}, 1)}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	select {
	case ul.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, ul)
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	return ctx, func(error) error {
		once.Do(func() {
			<-ul.sem
			l.release(userID, ul)
		})
		return nil
	}, nil
}

func (l *Locker) release(userID id.UserID, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
}

// Len returns how many users currently have a lock entry.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
