package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const defaultShardCount = 16

// MemoryStore keeps entries in process memory, spread over independently
// locked LRU shards. Each shard holds capacity/shards entries (at least one)
// and evicts its least recently used entry when full.
type MemoryStore struct {
	shards []*memoryShard
	nowFn  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

type MemoryOption func(*MemoryStore)

// WithClock replaces the clock used for entry expiry.
func WithClock(fn func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.nowFn = fn }
}

func NewMemoryStore(capacity, shards int, opts ...MemoryOption) *MemoryStore {
	if shards <= 0 {
		shards = defaultShardCount
	}
	perShard := max(capacity/shards, 1)

	m := &MemoryStore{
		shards: make([]*memoryShard, shards),
		nowFn:  time.Now,
	}
	for i := range m.shards {
		m.shards[i] = newMemoryShard(perShard)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the stored slice itself; callers must not modify it.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.shardFor(key).get(key, m.nowFn())
	return v, ok, nil
}

// Set stores a copy of value.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	now := m.nowFn()
	m.shardFor(key).set(key, cp, now, now.Add(ttl))
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.shardFor(key).delete(key)
	return nil
}

// Stats sums the counters of every shard.
func (m *MemoryStore) Stats() Stats {
	var total Stats
	for _, s := range m.shards {
		total = total.add(s.stats())
	}
	return total
}

func (m *MemoryStore) shardFor(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type memoryShard struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front is most recently used

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

func newMemoryShard(capacity int) *memoryShard {
	return &memoryShard{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (s *memoryShard) get(key string, now time.Time) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		s.misses++
		return nil, false
	}
	e := elem.Value.(*memoryEntry)
	if now.After(e.expiresAt) {
		s.remove(elem)
		s.expirations++
		s.misses++
		return nil, false
	}
	s.order.MoveToFront(elem)
	s.hits++
	return e.value, true
}

func (s *memoryShard) set(key string, value []byte, now, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		e := elem.Value.(*memoryEntry)
		e.value = value
		e.expiresAt = expiresAt
		s.order.MoveToFront(elem)
		return
	}
	if s.order.Len() >= s.capacity {
		s.evictOldest(now)
	}
	s.items[key] = s.order.PushFront(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
}

func (s *memoryShard) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.items[key]; ok {
		s.remove(elem)
	}
}

// evictOldest drops the least recently used entry. Dropping one that had
// already expired counts as an expiration rather than an eviction.
func (s *memoryShard) evictOldest(now time.Time) {
	elem := s.order.Back()
	if elem == nil {
		return
	}
	if now.After(elem.Value.(*memoryEntry).expiresAt) {
		s.expirations++
	} else {
		s.evictions++
	}
	s.remove(elem)
}

func (s *memoryShard) remove(elem *list.Element) {
	s.order.Remove(elem)
	delete(s.items, elem.Value.(*memoryEntry).key)
}

func (s *memoryShard) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
		Entries:     s.order.Len(),
		Capacity:    s.capacity,
	}
}
