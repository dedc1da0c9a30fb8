package meshbind

import "sync"

// keyMutex serializes operations per key without blocking unrelated keys.
// A global lock here would serialize every agent's bind behind whichever
// bind is currently waiting on a network probe.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the mutex for key, creating it on first use
func (k *keyMutex) Lock(key string) {
	k.mu.Lock()
	lock, exists := k.locks[key]
	if !exists {
		lock = &keyLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
}

// Unlock releases the mutex for key and frees it once no goroutine holds
// or waits on it
func (k *keyMutex) Unlock(key string) {
	k.mu.Lock()
	lock, exists := k.locks[key]
	if !exists {
		k.mu.Unlock()
		return
	}
	lock.refs--
	if lock.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	lock.mu.Unlock()
}
