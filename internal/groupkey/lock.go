package groupkey

import (
	"sync"

	"github.com/google/uuid"
)

// KeyedLock is a reader/writer lock per group ID. Entries are dropped when
// no one holds or waits on them.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.RWMutex
	refs int
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[uuid.UUID]*lockEntry)}
}

// Lock blocks until the write lock for id is held and returns its unlock func.
func (k *KeyedLock) Lock(id uuid.UUID) func() {
	e := k.acquire(id)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.release(id, e)
	}
}

// RLock blocks until a read lock for id is held and returns its unlock func.
func (k *KeyedLock) RLock(id uuid.UUID) func() {
	e := k.acquire(id)
	e.mu.RLock()
	return func() {
		e.mu.RUnlock()
		k.release(id, e)
	}
}

func (k *KeyedLock) acquire(id uuid.UUID) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[id]
	if !ok {
		e = &lockEntry{}
		k.locks[id] = e
	}
	e.refs++
	return e
}

func (k *KeyedLock) release(id uuid.UUID, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, id)
	}
}

func (k *KeyedLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
