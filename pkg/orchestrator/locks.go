package orchestrator

import "sync"

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu      sync.Mutex
	waiters int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock.
func (keyed *keyedMutex) Lock(key string) func() {
	keyed.mu.Lock()
	lock, ok := keyed.locks[key]
	if !ok {
		lock = &keyedLock{}
		keyed.locks[key] = lock
	}
	lock.waiters++
	keyed.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		keyed.mu.Lock()
		lock.waiters--
		if lock.waiters == 0 {
			delete(keyed.locks, key)
		}
		keyed.mu.Unlock()
	}
}
