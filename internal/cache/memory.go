package cache

import (
	"container/list"
	"context"
	"slices"
	"sync"
)

// DefaultMemoryEntries bounds the in-memory cache when no size is configured.
const DefaultMemoryEntries = 10000

// Memory is a size bounded LRU cache living for the duration of one process.
type Memory struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type memoryEntry struct {
	key string
	vec []float32
}

// NewMemory creates a cache holding at most maxEntries vectors.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	return &Memory{
		max:     maxEntries,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(_ context.Context, key string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	m.order.MoveToFront(el)

	return slices.Clone(el.Value.(*memoryEntry).vec), true, nil
}

func (m *Memory) Set(_ context.Context, key string, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		el.Value.(*memoryEntry).vec = slices.Clone(vec)
		m.order.MoveToFront(el)
		return nil
	}

	m.entries[key] = m.order.PushFront(&memoryEntry{key: key, vec: slices.Clone(vec)})

	for m.order.Len() > m.max {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}

	return nil
}

// Len returns the number of cached vectors.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) Close() error { return nil }
