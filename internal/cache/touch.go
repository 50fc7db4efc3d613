package cache

import (
	"sync"

	"github.com/matijazezelj/graphcore/pkg/models"
)

// TouchSet is the per-transaction record of accessed, modified and deleted
// entities. Every accessed handle stays pinned until Release.
type TouchSet struct {
	mu           sync.Mutex
	accessed     map[*Entity]struct{}
	modified     map[*Entity]struct{}
	deletedNodes map[int64]struct{}
	deletedRels  map[int64]struct{}
	released     bool
}

// NewTouchSet returns an empty touch set.
func NewTouchSet() *TouchSet {
	return &TouchSet{
		accessed:     make(map[*Entity]struct{}),
		modified:     make(map[*Entity]struct{}),
		deletedNodes: make(map[int64]struct{}),
		deletedRels:  make(map[int64]struct{}),
	}
}

func (ts *TouchSet) access(e *Entity) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.released {
		return
	}
	if _, ok := ts.accessed[e]; ok {
		return
	}
	ts.accessed[e] = struct{}{}
	e.pins.Add(1)
}

func (ts *TouchSet) modify(e *Entity) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.released {
		return
	}
	ts.modified[e] = struct{}{}
}

// Deleted records the identity of an entity deleted by the transaction.
func (ts *TouchSet) Deleted(kind models.Kind, id int64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if kind == models.KindRelationship {
		ts.deletedRels[id] = struct{}{}
		return
	}
	ts.deletedNodes[id] = struct{}{}
}

// IsDeleted reports whether the identity is in the delete set.
func (ts *TouchSet) IsDeleted(kind models.Kind, id int64) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if kind == models.KindRelationship {
		_, ok := ts.deletedRels[id]
		return ok
	}
	_, ok := ts.deletedNodes[id]
	return ok
}

// IsModified reports whether the transaction wrote to e.
func (ts *TouchSet) IsModified(e *Entity) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.modified[e]
	return ok
}

// Accessed returns the accessed handles.
func (ts *TouchSet) Accessed() []*Entity {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return keys(ts.accessed)
}

// Modified returns the modified handles.
func (ts *TouchSet) Modified() []*Entity {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return keys(ts.modified)
}

// DeletedIDs returns the deleted identities of one kind.
func (ts *TouchSet) DeletedIDs(kind models.Kind) []int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	src := ts.deletedNodes
	if kind == models.KindRelationship {
		src = ts.deletedRels
	}
	ids := make([]int64, 0, len(src))
	for id := range src {
		ids = append(ids, id)
	}
	return ids
}

// Release unpins every accessed handle. Further touches are ignored.
func (ts *TouchSet) Release() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.released {
		return
	}
	ts.released = true
	for e := range ts.accessed {
		e.pins.Add(-1)
	}
}

func keys(m map[*Entity]struct{}) []*Entity {
	out := make([]*Entity, 0, len(m))
	for e := range m {
		out = append(out, e)
	}
	return out
}
