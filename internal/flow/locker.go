package flow

import (
	"context"
	"sync"
)

// TurnLocker serializes work on a key, typically a channel address or a campaign name.
// Lock blocks until the key is free or ctx is done and returns the release function.
type TurnLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// NopLocker never blocks. Concurrent turns for one address may read the same last
// outgoing message.
type NopLocker struct{}

// Lock returns immediately.
func (NopLocker) Lock(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}

// LocalLocker serializes keys within one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an in-process keyed locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Lock acquires key, waiting for the current holder to release it.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, kl, true) })
	}, nil
}

func (l *LocalLocker) release(key string, kl *keyLock, held bool) {
	if held {
		<-kl.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
