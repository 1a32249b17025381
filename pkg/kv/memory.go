package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store backend, primarily used in tests and
// as the default store for components that declare no backend.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) AfterOpen(context.Context) error { return nil }

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *MemoryStore) GetKeys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := m.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) SetMany(ctx context.Context, values map[string][]byte) error {
	for k, v := range values {
		if err := m.Set(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) DeleteMany(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := m.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Increment treats an absent key as zero; the stored representation is
// an 8-byte little-endian signed integer, matching the on-wire format
// used by the SQLite/Redis backends so increments are portable.
func (m *MemoryStore) Increment(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if v, ok := m.data[key]; ok {
		if len(v) != 8 {
			return 0, fmt.Errorf("increment: malformed stored value for key %q", key)
		}
		current = int64(binary.LittleEndian.Uint64(v))
	}
	next := current + delta
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(next))
	m.data[key] = buf
	return next, nil
}

func (m *MemoryStore) NewCompareAndSwap(_ context.Context, bucketHandle uint32, key string) (Cas, error) {
	current, _ := m.Get(context.Background(), key)
	return &memoryCas{store: m, bucketHandle: bucketHandle, key: key, observed: current}, nil
}

type memoryCas struct {
	store        *MemoryStore
	bucketHandle uint32
	key          string
	observed     []byte
}

func (c *memoryCas) Current(context.Context) ([]byte, error) { return c.observed, nil }

func (c *memoryCas) Swap(ctx context.Context, value []byte) error {
	c.store.mu.Lock()
	current := c.store.data[c.key]
	matches := bytesEqual(current, c.observed)
	c.store.mu.Unlock()

	if !matches {
		return &SwapError{CasFailed: true}
	}
	return c.store.Set(ctx, c.key, value)
}

func (c *memoryCas) BucketHandle() uint32 { return c.bucketHandle }
func (c *memoryCas) Key() string          { return c.key }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// StaticStoreManager resolves store names against a fixed configured set,
// matching the teacher's "summary" idiom for tracing-friendly backend
// descriptions.
type StaticStoreManager struct {
	stores    map[string]Store
	summaries map[string]string
}

// NewStaticStoreManager builds a manager from a name->Store map.
func NewStaticStoreManager(stores map[string]Store, summaries map[string]string) *StaticStoreManager {
	return &StaticStoreManager{stores: stores, summaries: summaries}
}

func (m *StaticStoreManager) Get(_ context.Context, name string) (Store, error) {
	s, ok := m.stores[name]
	if !ok {
		return nil, ErrNoSuchStore
	}
	return s, nil
}

func (m *StaticStoreManager) IsDefined(name string) bool {
	_, ok := m.stores[name]
	return ok
}

func (m *StaticStoreManager) Summary(name string) string {
	if s, ok := m.summaries[name]; ok {
		return s
	}
	return "unknown"
}
