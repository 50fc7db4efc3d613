package graph

import (
	"context"
	"fmt"

	"github.com/matijazezelj/graphcore/internal/cache"
	"github.com/matijazezelj/graphcore/internal/dberr"
	"github.com/matijazezelj/graphcore/pkg/models"
)

// NodeByID returns the node handle for id, going to the database only when
// the cached handle is missing or stale.
func (t *Transaction) NodeByID(ctx context.Context, id int64) (*cache.Entity, error) {
	return t.entityByID(ctx, models.KindNode, id)
}

// RelationshipByID returns the relationship handle for id.
func (t *Transaction) RelationshipByID(ctx context.Context, id int64) (*cache.Entity, error) {
	return t.entityByID(ctx, models.KindRelationship, id)
}

func (t *Transaction) entityByID(ctx context.Context, kind models.Kind, id int64) (*cache.Entity, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if t.touched.IsDeleted(kind, id) {
		return nil, dberr.NotFound(fmt.Sprintf("%s %d deleted in transaction %d", kind, id, t.id))
	}
	if e, ok := t.svc.cache.Get(kind, id); ok && e.VisibleTo(t.id) {
		t.svc.cache.MarkAccessed(t.touched, e)
		// eviction may have won the race before the pin
		if e.Live() {
			return e, nil
		}
	}

	stmt, column, err := t.lookupStatement(kind)
	if err != nil {
		return nil, err
	}
	row, err := t.exec.RunSingleRow(ctx, stmt, map[string]any{"id": id}, false)
	if err != nil {
		return nil, err
	}
	return row.Entity(column)
}

func (t *Transaction) lookupStatement(kind models.Kind) (stmt, column string, err error) {
	if kind == models.KindRelationship {
		return stmtRelationshipByID, "r", nil
	}
	stmt, err = nodeByIDStatement(t.svc.opts.Tenant)
	return stmt, "n", err
}

// load makes sure e carries state this transaction may see.
func (t *Transaction) load(ctx context.Context, e *cache.Entity) error {
	if e.VisibleTo(t.id) {
		return nil
	}
	stmt, column, err := t.lookupStatement(e.Kind())
	if err != nil {
		return err
	}
	row, err := t.exec.RunSingleRow(ctx, stmt, map[string]any{"id": e.ID()}, false)
	if err != nil {
		return err
	}
	fetched, err := row.Entity(column)
	if err != nil {
		return err
	}
	if fetched != e {
		// e left the identity map meanwhile; refresh the caller's handle too
		e.Fill(fetched.Snapshot(), e.Epoch())
	}
	return nil
}

// Property returns the value of key as seen by this transaction.
func (t *Transaction) Property(ctx context.Context, e *cache.Entity, key string) (any, bool, error) {
	if err := t.touch(ctx, e); err != nil {
		return nil, false, err
	}
	v, ok := e.Property(t.id, key)
	return v, ok, nil
}

// Properties returns the property bag as seen by this transaction.
func (t *Transaction) Properties(ctx context.Context, e *cache.Entity) (map[string]any, error) {
	if err := t.touch(ctx, e); err != nil {
		return nil, err
	}
	return e.Properties(t.id), nil
}

func (t *Transaction) touch(ctx context.Context, e *cache.Entity) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.IsDeleted(e) || e.Expunged() {
		return dberr.NotFound(fmt.Sprintf("%s %d no longer exists", e.Kind(), e.ID()))
	}
	t.svc.cache.MarkAccessed(t.touched, e)
	return t.load(ctx, e)
}

// SetProperty writes key on e. A nil value removes the property. Other
// transactions keep seeing the committed value until this one commits.
func (t *Transaction) SetProperty(ctx context.Context, e *cache.Entity, key string, value any) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("empty property key")
	}
	if t.IsDeleted(e) {
		return dberr.NotFound(fmt.Sprintf("%s %d deleted in transaction %d", e.Kind(), e.ID(), t.id))
	}

	stmt := stmtSetNodeProps
	if e.Kind() == models.KindRelationship {
		stmt = stmtSetRelProps
	}
	params := map[string]any{"id": e.ID(), "props": map[string]any{key: value}}
	if err := t.exec.RunForSideEffect(ctx, stmt, params); err != nil {
		return err
	}

	t.svc.cache.MarkModified(t.touched, e)
	if value == nil {
		e.StageRemove(t.id, key)
	} else {
		e.Stage(t.id, key, value)
	}
	return nil
}

// DeleteNode removes the node and all its relationships.
func (t *Transaction) DeleteNode(ctx context.Context, e *cache.Entity) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	row, err := t.exec.RunSingleRow(ctx, stmtDeleteNode, map[string]any{"id": e.ID()}, true)
	if err != nil {
		return err
	}

	t.relWrites.Store(true)
	if v, ok := row.Get("rels"); ok {
		ids, _ := v.([]any)
		for _, raw := range ids {
			id, ok := raw.(int64)
			if !ok {
				continue
			}
			t.touched.Deleted(models.KindRelationship, id)
			if rel, ok := t.svc.cache.Get(models.KindRelationship, id); ok {
				t.svc.cache.MarkModified(t.touched, rel)
				rel.MarkStale()
			}
		}
	}
	t.markDeleted(e)
	return nil
}

// DeleteRelationship removes one relationship.
func (t *Transaction) DeleteRelationship(ctx context.Context, e *cache.Entity) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if _, err := t.exec.RunSingleRow(ctx, stmtDeleteRelationship, map[string]any{"id": e.ID()}, true); err != nil {
		return err
	}

	t.relWrites.Store(true)
	start, end := e.Endpoints()
	for _, id := range []int64{start, end} {
		if n, ok := t.svc.cache.Get(models.KindNode, id); ok {
			t.svc.cache.MarkModified(t.touched, n)
		}
	}
	t.markDeleted(e)
	return nil
}

func (t *Transaction) markDeleted(e *cache.Entity) {
	t.touched.Deleted(e.Kind(), e.ID())
	t.svc.cache.MarkModified(t.touched, e)
	e.MarkStale()
}

// Relationships returns the relationships of node in the given direction,
// optionally restricted to relType. Results are cached on the node until a
// transaction that modified it closes. A transaction with uncommitted
// relationship writes neither reads nor fills the shared adjacency lists.
func (t *Transaction) Relationships(ctx context.Context, node *cache.Entity, dir Direction, relType string) ([]*cache.Entity, error) {
	if err := t.touch(ctx, node); err != nil {
		return nil, err
	}

	key := string(dir) + ":" + relType
	shared := !t.relWrites.Load() && !t.touched.IsModified(node) && node.CreatedBy() == 0
	gen := node.RelationshipsGen()
	if shared {
		if ids, ok := node.Relationships(key); ok {
			if rels, ok := t.cachedRelationships(ids); ok {
				return rels, nil
			}
		}
	}

	stmt, err := relationshipsStatement(dir, relType)
	if err != nil {
		return nil, err
	}
	stream, err := t.exec.RunStream(ctx, stmt, map[string]any{"id": node.ID()})
	if err != nil {
		return nil, err
	}
	defer stream.Close(ctx) //nolint:errcheck // best-effort cleanup

	var (
		rels []*cache.Entity
		ids  []int64
	)
	for stream.Next(ctx) {
		r, err := stream.Row().Entity("r")
		if err != nil {
			return nil, err
		}
		if t.IsDeleted(r) {
			continue
		}
		rels = append(rels, r)
		ids = append(ids, r.ID())
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if shared {
		node.SetRelationships(key, ids, gen)
	}
	return rels, nil
}

func (t *Transaction) cachedRelationships(ids []int64) ([]*cache.Entity, bool) {
	rels := make([]*cache.Entity, 0, len(ids))
	for _, id := range ids {
		r, ok := t.svc.cache.Get(models.KindRelationship, id)
		if !ok || !r.VisibleTo(t.id) || t.IsDeleted(r) {
			return nil, false
		}
		t.svc.cache.MarkAccessed(t.touched, r)
		rels = append(rels, r)
	}
	return rels, true
}
