package triage

import "sync"

// KeyLock is a set of mutexes keyed by string. Entries exist only while held
// or waited on, so the map stays bounded by in-flight keys.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLock returns an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyEntry)}
}

// Lock blocks until key is free and returns the function that releases it.
// The release function is safe to call more than once.
func (k *KeyLock) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
