package cache

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-memory Store with TTL expiry, capacity eviction, and
// optional sliding expiration per key. A min-heap ordered by deadline makes
// the background sweep cheap.
type Memory struct {
	mu sync.Mutex

	entries   map[string]*memEntry
	deadlines deadlineHeap

	maxEntries  int
	maxItemSize int
	sweeper     *time.Ticker
	done        chan struct{}

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

type memEntry struct {
	value    []byte
	deadline int64 // unix nanos; 0 means no expiry
	sliding  time.Duration
}

type deadlineItem struct {
	key      string
	deadline int64
}

type deadlineHeap []deadlineItem

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline < h[j].deadline }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadlineItem)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MemoryConfig tunes the in-memory store.
type MemoryConfig struct {
	MaxEntries    int           // default 1000
	MaxItemSize   int           // bytes, default 1MB
	SweepInterval time.Duration // default 1 minute
}

// NewMemory creates an in-memory store and starts its sweep goroutine.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.MaxItemSize <= 0 {
		cfg.MaxItemSize = 1 << 20
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	m := &Memory{
		entries:     make(map[string]*memEntry),
		maxEntries:  cfg.MaxEntries,
		maxItemSize: cfg.MaxItemSize,
		done:        make(chan struct{}),
	}
	heap.Init(&m.deadlines)

	m.sweeper = time.NewTicker(cfg.SweepInterval)
	go m.sweepLoop()
	return m
}

func (m *Memory) sweepLoop() {
	for {
		select {
		case <-m.sweeper.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixNano()
	for m.deadlines.Len() > 0 {
		top := m.deadlines[0]
		// A sliding read or overwrite leaves a stale heap item behind;
		// drop it without touching the live entry.
		entry, ok := m.entries[top.key]
		if !ok || entry.deadline != top.deadline {
			heap.Pop(&m.deadlines)
			continue
		}
		if top.deadline > now {
			break
		}
		heap.Pop(&m.deadlines)
		delete(m.entries, top.key)
	}
}

// Get returns nil, nil on a miss. Reading a sliding entry renews its TTL.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		m.misses.Add(1)
		return nil, nil
	}

	now := time.Now().UnixNano()
	if entry.deadline > 0 && entry.deadline <= now {
		delete(m.entries, key)
		m.mu.Unlock()
		m.misses.Add(1)
		return nil, nil
	}

	if entry.sliding > 0 {
		entry.deadline = now + entry.sliding.Nanoseconds()
		heap.Push(&m.deadlines, deadlineItem{key: key, deadline: entry.deadline})
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	m.mu.Unlock()

	m.hits.Add(1)
	return value, nil
}

// Set stores value with an absolute TTL. Oversized values are skipped
// without error.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return m.put(key, value, ttl, 0)
}

// SetSliding stores value with a TTL renewed on every Get.
func (m *Memory) SetSliding(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return m.put(key, value, ttl, ttl)
}

func (m *Memory) put(key string, value []byte, ttl, sliding time.Duration) error {
	if len(value) > m.maxItemSize {
		return nil
	}

	var deadline int64
	if ttl > 0 {
		deadline = time.Now().Add(ttl).UnixNano()
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictOne()
	}

	m.entries[key] = &memEntry{value: valueCopy, deadline: deadline, sliding: sliding}
	if deadline > 0 {
		heap.Push(&m.deadlines, deadlineItem{key: key, deadline: deadline})
	}

	m.sets.Add(1)
	return nil
}

// evictOne drops the entry closest to expiry. Called with mu held.
func (m *Memory) evictOne() {
	for m.deadlines.Len() > 0 {
		top := heap.Pop(&m.deadlines).(deadlineItem)
		entry, ok := m.entries[top.key]
		if !ok || entry.deadline != top.deadline {
			continue
		}
		delete(m.entries, top.key)
		return
	}
	// Everything is deadline-free; drop an arbitrary entry.
	for key := range m.entries {
		delete(m.entries, key)
		return
	}
}

// Delete removes a key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(context.Context) error { return nil }

// Stats returns cache counters.
func (m *Memory) Stats() Stats {
	return Stats{
		Hits:   m.hits.Load(),
		Misses: m.misses.Load(),
		Sets:   m.sets.Load(),
	}
}

// Len reports the number of live entries, counting entries not yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the sweep goroutine.
func (m *Memory) Close() error {
	m.sweeper.Stop()
	close(m.done)
	return nil
}
