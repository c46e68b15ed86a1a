// Package syncutil provides small synchronization helpers.
package syncutil

import "sync"

// KeyedMutex provides a mutex per string key. It is used to serialize
// writes per tenant partition and ingestion per document, while leaving
// operations on different keys fully concurrent.
//
// Entries are never removed; the expected key cardinality (tenants,
// documents) is small.
type KeyedMutex struct {
	mus sync.Map // key -> *sync.Mutex
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyedMutex) Lock(key string) {
	k.mutex(key).Lock()
}

// Unlock releases the mutex for key.
func (k *KeyedMutex) Unlock(key string) {
	k.mutex(key).Unlock()
}

func (k *KeyedMutex) mutex(key string) *sync.Mutex {
	if mu, ok := k.mus.Load(key); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := k.mus.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
