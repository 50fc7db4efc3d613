package cache

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/matijazezelj/graphcore/pkg/models"
)

// removed marks a property staged for removal in a pending write set.
type removed struct{}

// Snapshot is the committed database state of an entity as read by a query.
type Snapshot struct {
	Labels  []string
	Type    string
	StartID int64
	EndID   int64
	Props   map[string]any
}

// Entity is the single in-memory handle for one database identity.
//
// Committed state is shared by every transaction. Writes made by a transaction
// are staged per transaction id and only merged into the committed state when
// that transaction commits.
type Entity struct {
	kind models.Kind
	id   int64

	pins  atomic.Int32
	clock *atomic.Uint64

	mu       sync.Mutex
	labels   []string
	relType  string
	startID  int64
	endID    int64
	props    map[string]any
	loaded   bool
	stale    bool
	detached bool
	expunged bool
	epoch    uint64
	creator  uint64
	pending  map[uint64]map[string]any
	computed map[string]any
	rels     map[string][]int64
	relsGen  uint64
}

// NewEntity returns an unloaded handle with a private epoch clock. Handles
// created by a Cache share the cache clock instead.
func NewEntity(kind models.Kind, id int64) *Entity {
	return &Entity{kind: kind, id: id, clock: new(atomic.Uint64)}
}

func (e *Entity) invalidateLocked() {
	e.epoch = e.clock.Add(1)
}

// ID returns the database-assigned identity.
func (e *Entity) ID() int64 { return e.id }

// Kind returns whether this is a node or a relationship.
func (e *Entity) Kind() models.Kind { return e.kind }

// Labels returns the node labels known from the last fill.
func (e *Entity) Labels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.labels)
}

// Type returns the relationship type known from the last fill.
func (e *Entity) Type() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.relType
}

// Endpoints returns the identities of the start and end node of a relationship.
func (e *Entity) Endpoints() (start, end int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startID, e.endID
}

// Epoch is the clock value at which the committed state was last invalidated
// or replaced.
func (e *Entity) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Loaded reports whether the committed property bag can be served without a
// database round trip.
func (e *Entity) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded && !e.stale && e.creator == 0
}

// VisibleTo reports whether transaction txID can be served from the handle.
// A handle created by a transaction that has not committed yet is only
// visible to that transaction.
func (e *Entity) VisibleTo(txID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded && !e.stale && (e.creator == 0 || e.creator == txID)
}

// CreatedBy returns the id of the open transaction that created the entity,
// or 0 once the creation is committed.
func (e *Entity) CreatedBy() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creator
}

// Stale reports whether the handle was invalidated by a rollback or delete.
func (e *Entity) Stale() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stale
}

// Live is false once the handle left the identity map.
func (e *Entity) Live() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.detached && !e.expunged
}

// Expunged reports whether the identity was deleted by a committed transaction.
func (e *Entity) Expunged() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expunged
}

// Fill installs committed state read from the database. observed is the clock
// value taken before the read was issued; the fill is dropped when the handle
// was invalidated after that, so a slow reader can never overwrite state that
// a newer commit or rollback produced.
func (e *Entity) Fill(s Snapshot, observed uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.epoch > observed || e.expunged {
		return false
	}
	e.fillLocked(s)
	e.creator = 0
	return true
}

// FillCreated installs the state of an entity created by txID. Until txID
// commits the handle is invisible to every other transaction.
func (e *Entity) FillCreated(s Snapshot, txID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expunged {
		return
	}
	e.fillLocked(s)
	e.creator = txID
}

func (e *Entity) fillLocked(s Snapshot) {
	e.labels = slices.Clone(s.Labels)
	e.relType = s.Type
	e.startID = s.StartID
	e.endID = s.EndID
	e.props = maps.Clone(s.Props)
	if e.props == nil {
		e.props = make(map[string]any)
	}
	e.loaded = true
	e.stale = false
}

// Snapshot returns a copy of the committed state.
func (e *Entity) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Labels:  slices.Clone(e.labels),
		Type:    e.relType,
		StartID: e.startID,
		EndID:   e.endID,
		Props:   maps.Clone(e.props),
	}
}

// Property returns the value visible to transaction txID.
func (e *Entity) Property(txID uint64, key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if staged, ok := e.pending[txID]; ok {
		if v, ok := staged[key]; ok {
			if _, gone := v.(removed); gone {
				return nil, false
			}
			return v, true
		}
	}
	v, ok := e.props[key]
	return v, ok
}

// Properties returns a copy of the property bag visible to transaction txID.
func (e *Entity) Properties(txID uint64) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := maps.Clone(e.props)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range e.pending[txID] {
		if _, gone := v.(removed); gone {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Stage records a property write that only txID can see until it commits.
func (e *Entity) Stage(txID uint64, key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stage(txID, key, value)
}

// StageRemove records a property removal for txID.
func (e *Entity) StageRemove(txID uint64, key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stage(txID, key, removed{})
}

func (e *Entity) stage(txID uint64, key string, value any) {
	if e.pending == nil {
		e.pending = make(map[uint64]map[string]any)
	}
	staged := e.pending[txID]
	if staged == nil {
		staged = make(map[string]any)
		e.pending[txID] = staged
	}
	staged[key] = value
}

// Commit publishes the writes staged by txID, and the entity itself when
// txID created it.
func (e *Entity) Commit(txID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	staged, ok := e.pending[txID]
	created := txID != 0 && e.creator == txID
	if !ok && !created {
		return
	}
	if created {
		e.creator = 0
	}
	delete(e.pending, txID)
	if e.props == nil {
		e.props = make(map[string]any)
	}
	for k, v := range staged {
		if _, gone := v.(removed); gone {
			delete(e.props, k)
			continue
		}
		e.props[k] = v
	}
	e.invalidateLocked()
}

// HasPending reports whether txID staged writes on this handle.
func (e *Entity) HasPending(txID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[txID]
	return ok
}

// Rollback discards the writes staged by txID. An entity created by txID
// never existed, so its handle is left unloaded.
func (e *Entity) Rollback(txID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, txID)
	if txID != 0 && e.creator == txID {
		e.creator = 0
		e.loaded = false
		e.stale = true
		e.invalidateLocked()
	}
}

// MarkStale forces the next read to go back to the database.
func (e *Entity) MarkStale() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stale = true
	e.invalidateLocked()
}

// Computed returns a memoized value derived from this entity.
func (e *Entity) Computed(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.computed[key]
	return v, ok
}

// SetComputed memoizes a value derived from this entity.
func (e *Entity) SetComputed(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.computed == nil {
		e.computed = make(map[string]any)
	}
	e.computed[key] = value
}

// ClearComputed drops all memoized values.
func (e *Entity) ClearComputed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.computed = nil
}

// Relationships returns the cached adjacent relationship ids for key.
func (e *Entity) Relationships(key string) ([]int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids, ok := e.rels[key]
	return slices.Clone(ids), ok
}

// RelationshipsGen returns the adjacency generation. Take it before querying
// the database and pass it to SetRelationships.
func (e *Entity) RelationshipsGen() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.relsGen
}

// SetRelationships caches adjacent relationship ids for key. The list is
// dropped when the adjacency was invalidated after gen was taken.
func (e *Entity) SetRelationships(key string, ids []int64, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.relsGen {
		return false
	}
	if e.rels == nil {
		e.rels = make(map[string][]int64)
	}
	e.rels[key] = slices.Clone(ids)
	return true
}

// InvalidateRelationships drops the adjacency cache so it is rebuilt lazily.
func (e *Entity) InvalidateRelationships() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rels = nil
	e.relsGen++
}

// Pinned reports whether an open transaction references this handle.
func (e *Entity) Pinned() bool { return e.pins.Load() > 0 }

// adopt moves a standalone handle onto the cache clock. Epochs from the
// private clock mean nothing on the shared one, so the handle restarts at
// the current shared time.
func (e *Entity) adopt(clock *atomic.Uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clock == clock {
		return
	}
	e.clock = clock
	e.epoch = clock.Load()
}

func (e *Entity) detach(expunge bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detached = true
	if expunge {
		e.expunged = true
		e.stale = true
	}
	e.invalidateLocked()
}
