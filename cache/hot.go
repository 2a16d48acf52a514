package cache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// HotManager keeps recently read entries of another manager in process memory.
// The hot cache may drop entries under pressure at any time, the wrapped
// manager stays the source of truth.
type HotManager struct {
	inner StoreManager
	hot   *ristretto.Cache
}

type hotStore struct {
	inner Store
	hot   *ristretto.Cache
}

// NewHotManager wraps inner with a hot cache holding at most maxBytes of entry values.
func NewHotManager(inner StoreManager, maxBytes int64) (*HotManager, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("hot cache size must be positive, got %d", maxBytes)
	}
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &HotManager{inner: inner, hot: hot}, nil
}

func (h *HotManager) Open(ctx context.Context, name string) (Store, error) {
	s, err := h.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return hotStore{inner: s, hot: h.hot}, nil
}

func (h *HotManager) Lookup(ctx context.Context, name string) (Store, error) {
	s, err := h.inner.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return hotStore{inner: s, hot: h.hot}, nil
}

func (h *HotManager) Delete(ctx context.Context, name string) (bool, error) {
	// entries are keyed by store name, but ristretto cannot enumerate them
	h.hot.Clear()
	return h.inner.Delete(ctx, name)
}

func (h *HotManager) Names(ctx context.Context) ([]string, error) {
	return h.inner.Names(ctx)
}

func (h *HotManager) Match(ctx context.Context, key string) ([]byte, bool, error) {
	return h.inner.Match(ctx, key)
}

func (h *HotManager) Close() error {
	h.hot.Close()
	return h.inner.Close()
}

// Wait blocks until pending hot cache writes are applied.
func (h *HotManager) Wait() {
	h.hot.Wait()
}

func (s hotStore) hotKey(key string) string {
	return s.inner.Name() + "\x00" + key
}

func (s hotStore) Name() string {
	return s.inner.Name()
}

func (s hotStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := s.hot.Get(s.hotKey(key)); ok {
		if b, ok := v.([]byte); ok {
			return clone(b), true, nil
		}
	}
	b, ok, err := s.inner.Get(ctx, key)
	if err == nil && ok {
		s.hot.Set(s.hotKey(key), clone(b), int64(len(b)))
	}
	return b, ok, err
}

func (s hotStore) Put(ctx context.Context, key string, bytes []byte) error {
	if err := s.inner.Put(ctx, key, bytes); err != nil {
		return err
	}
	s.hot.Set(s.hotKey(key), clone(bytes), int64(len(bytes)))
	return nil
}

func (s hotStore) Keys(ctx context.Context) ([]string, error) {
	return s.inner.Keys(ctx)
}
