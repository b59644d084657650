package store

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// keyedMutex hands out one mutex per path, created lazily on first access.
// Mutating operations hold the path's mutex for their full read-modify-write
// sequence, serializing in-process writers on the same key. Cross-process
// writers are only serialized by the backend's conditional update.
type keyedMutex struct {
	locks *xsync.MapOf[string, *sync.Mutex]
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: xsync.NewMapOf[string, *sync.Mutex]()}
}

// lock acquires the mutex for the given path and returns its unlock func.
func (k *keyedMutex) lock(path string) func() {
	m, _ := k.locks.LoadOrCompute(path, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	m.Lock()
	return m.Unlock
}
