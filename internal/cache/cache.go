// Package cache implements the identity map of graph entity handles.
//
// The cache is partitioned by entity kind. Each partition is an LRU bounded by
// its configured capacity; entries pinned by an open transaction are never
// evicted. Partitions lock independently so node and relationship traffic do
// not contend.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/matijazezelj/graphcore/pkg/models"
)

// Default partition capacities.
const (
	DefaultNodeCapacity         = 100000
	DefaultRelationshipCapacity = 500000
)

// Cache is the process-wide identity map, shared by all transactions.
type Cache struct {
	nodes *partition
	rels  *partition
	clock *atomic.Uint64
}

// New creates a cache. Non-positive capacities fall back to the defaults.
func New(nodeCapacity, relCapacity int) *Cache {
	if nodeCapacity <= 0 {
		nodeCapacity = DefaultNodeCapacity
	}
	if relCapacity <= 0 {
		relCapacity = DefaultRelationshipCapacity
	}
	clock := new(atomic.Uint64)
	return &Cache{
		nodes: newPartition(models.KindNode, nodeCapacity, clock),
		rels:  newPartition(models.KindRelationship, relCapacity, clock),
		clock: clock,
	}
}

// Epoch returns the current invalidation clock. Readers take it before
// issuing a query and hand it to Entity.Fill.
func (c *Cache) Epoch() uint64 {
	return c.clock.Load()
}

func (c *Cache) partition(kind models.Kind) *partition {
	if kind == models.KindRelationship {
		return c.rels
	}
	return c.nodes
}

// Get looks up the handle for id. A miss has no side effects.
func (c *Cache) Get(kind models.Kind, id int64) (*Entity, bool) {
	return c.partition(kind).get(id)
}

// Put inserts e for id, replacing and detaching any previous handle.
func (c *Cache) Put(kind models.Kind, id int64, e *Entity) {
	c.partition(kind).put(id, e)
}

// Acquire returns the handle for id, creating an unloaded one on a miss. When
// ts is non-nil the handle is recorded as accessed and pinned before the
// partition lock is released, so it cannot be evicted in between.
func (c *Cache) Acquire(ts *TouchSet, kind models.Kind, id int64) *Entity {
	return c.partition(kind).acquire(ts, id)
}

// MarkAccessed records e in the accessed set of ts and pins it.
func (c *Cache) MarkAccessed(ts *TouchSet, e *Entity) {
	p := c.partition(e.Kind())
	p.mu.Lock()
	defer p.mu.Unlock()
	ts.access(e)
}

// MarkModified records e in the modified set of ts. Modified entities are
// always accessed as well.
func (c *Cache) MarkModified(ts *TouchSet, e *Entity) {
	c.MarkAccessed(ts, e)
	ts.modify(e)
}

// Evict removes the handle for id so the next read re-fetches it.
func (c *Cache) Evict(kind models.Kind, id int64) {
	c.partition(kind).remove(id, false)
}

// Expunge permanently removes identities that no longer exist in the database.
func (c *Cache) Expunge(kind models.Kind, ids []int64) {
	p := c.partition(kind)
	for _, id := range ids {
		p.remove(id, true)
	}
}

// ClearAll empties both partitions.
func (c *Cache) ClearAll() {
	c.nodes.clear()
	c.rels.clear()
}

// Info reports size and counters of one partition.
func (c *Cache) Info(kind models.Kind) models.CacheInfo {
	return c.partition(kind).info()
}

type partition struct {
	kind     models.Kind
	capacity int
	clock    *atomic.Uint64

	mu      sync.Mutex
	entries map[int64]*list.Element
	lru     *list.List

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newPartition(kind models.Kind, capacity int, clock *atomic.Uint64) *partition {
	return &partition{
		kind:     kind,
		capacity: capacity,
		clock:    clock,
		entries:  make(map[int64]*list.Element),
		lru:      list.New(),
	}
}

func (p *partition) get(id int64) (*Entity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.entries[id]
	if !ok {
		p.misses.Add(1)
		return nil, false
	}
	p.hits.Add(1)
	p.lru.MoveToFront(el)
	return el.Value.(*Entity), true
}

func (p *partition) put(id int64, e *Entity) {
	e.adopt(p.clock)

	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.entries[id]; ok {
		old := el.Value.(*Entity)
		if old == e {
			p.lru.MoveToFront(el)
			return
		}
		p.lru.Remove(el)
		delete(p.entries, id)
		old.detach(false)
	}
	p.entries[id] = p.lru.PushFront(e)
	p.evictLocked()
}

func (p *partition) acquire(ts *TouchSet, id int64) *Entity {
	p.mu.Lock()
	defer p.mu.Unlock()

	var e *Entity
	if el, ok := p.entries[id]; ok {
		p.hits.Add(1)
		p.lru.MoveToFront(el)
		e = el.Value.(*Entity)
	} else {
		p.misses.Add(1)
		e = &Entity{kind: p.kind, id: id, clock: p.clock}
		p.entries[id] = p.lru.PushFront(e)
	}
	if ts != nil {
		ts.access(e)
	}
	p.evictLocked()
	return e
}

func (p *partition) remove(id int64, expunge bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.entries[id]
	if !ok {
		return
	}
	p.lru.Remove(el)
	delete(p.entries, id)
	el.Value.(*Entity).detach(expunge)
}

// evictLocked drops least recently used, unpinned entries until the partition
// fits its capacity. If every entry is pinned the partition stays oversized
// until transactions release them.
func (p *partition) evictLocked() {
	el := p.lru.Back()
	for len(p.entries) > p.capacity && el != nil {
		prev := el.Prev()
		e := el.Value.(*Entity)
		if !e.Pinned() {
			p.lru.Remove(el)
			delete(p.entries, e.ID())
			e.detach(false)
		}
		el = prev
	}
}

func (p *partition) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, el := range p.entries {
		el.Value.(*Entity).detach(false)
	}
	p.entries = make(map[int64]*list.Element)
	p.lru.Init()
}

func (p *partition) info() models.CacheInfo {
	p.mu.Lock()
	size := len(p.entries)
	p.mu.Unlock()

	return models.CacheInfo{
		Size:     size,
		Capacity: p.capacity,
		Hits:     p.hits.Load(),
		Misses:   p.misses.Load(),
	}
}
