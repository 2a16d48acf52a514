package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrStoreNotFound is returned when looking up a missing store,
// or when writing through a handle whose store has been deleted.
var ErrStoreNotFound = errors.New("store not found")

// StoreManager owns the named logical stores.
// Values are opaque []byte values, which represent encoded response snapshots.
// Entries never expire; the only eviction is deleting a whole store.
//
// Implementations must be thread-safe!
type StoreManager interface {
	// Open returns the store with the given name, creating it if it does not exist.
	// Opening an existing store does not touch its contents.
	Open(ctx context.Context, name string) (Store, error)
	// Lookup returns the existing store with the given name, or ErrStoreNotFound.
	// It never creates a store.
	Lookup(ctx context.Context, name string) (Store, error)
	// Delete removes the store and all of its entries.
	// It returns false if there was no store with the given name.
	Delete(ctx context.Context, name string) (bool, error)
	// Names returns the names of all existing stores in creation order.
	Names(ctx context.Context) ([]string, error)
	// Match looks the key up in every store, in creation order, and returns the first hit.
	Match(ctx context.Context, key string) ([]byte, bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Store is a handle to a single logical store.
type Store interface {
	Name() string
	// Get returns the value stored under key.
	// The boolean is false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the value under the key, replacing any previous value wholesale.
	// It returns ErrStoreNotFound if the store was deleted after it was opened.
	Put(ctx context.Context, key string, bytes []byte) error
	// Keys returns all keys in the store, sorted.
	Keys(ctx context.Context) ([]string, error)
}

type MemoryManager struct {
	mutex  *sync.RWMutex
	order  []string
	stores map[string]map[string][]byte
}

// NewMemoryManager creates a store manager that keeps everything in process memory.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		mutex:  &sync.RWMutex{},
		order:  make([]string, 0),
		stores: make(map[string]map[string][]byte),
	}
}

type memStore struct {
	m    *MemoryManager
	name string
}

func (m *MemoryManager) Open(_ context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = make(map[string][]byte)
		m.order = append(m.order, name)
	}
	return memStore{m: m, name: name}, nil
}

func (m *MemoryManager) Lookup(_ context.Context, name string) (Store, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if _, ok := m.stores[name]; !ok {
		return nil, ErrStoreNotFound
	}
	return memStore{m: m, name: name}, nil
}

func (m *MemoryManager) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	order := make([]string, 0, len(m.order))
	for _, n := range m.order {
		if n != name {
			order = append(order, n)
		}
	}
	m.order = order
	return true, nil
}

func (m *MemoryManager) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemoryManager) Match(_ context.Context, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range m.order {
		if b, ok := m.stores[name][key]; ok {
			return clone(b), true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryManager) Close() error {
	return nil
}

func (s memStore) Name() string {
	return s.name
}

func (s memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.m.mutex.RLock()
	defer s.m.mutex.RUnlock()
	b, ok := s.m.stores[s.name][key]
	if !ok {
		return nil, false, nil
	}
	return clone(b), true, nil
}

func (s memStore) Put(_ context.Context, key string, bytes []byte) error {
	s.m.mutex.Lock()
	defer s.m.mutex.Unlock()
	entries, ok := s.m.stores[s.name]
	if !ok {
		return ErrStoreNotFound
	}
	entries[key] = clone(bytes)
	return nil
}

func (s memStore) Keys(_ context.Context) ([]string, error) {
	s.m.mutex.RLock()
	defer s.m.mutex.RUnlock()
	keys := make([]string, 0, len(s.m.stores[s.name]))
	for key := range s.m.stores[s.name] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// values handed out or taken in are copied, snapshots are immutable once stored
func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
