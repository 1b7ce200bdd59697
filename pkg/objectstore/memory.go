package objectstore

import (
	"context"
	"sync"
)

// MemoryStore keeps objects in process memory. It is meant for local
// development and tests; nothing is ever evicted.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]Object),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (Object, bool, error) {
	m.mu.RLock()
	obj, ok := m.objects[objectKey(key)]
	m.mu.RUnlock()
	if !ok {
		return Object{}, false, nil
	}
	obj.Payload.Data = append([]byte(nil), obj.Payload.Data...)
	return obj, true, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, obj Object) error {
	obj.Payload.Data = append([]byte(nil), obj.Payload.Data...)
	m.mu.Lock()
	m.objects[objectKey(key)] = obj
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, objectKey(key))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) EnsureBucket(context.Context) error {
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
