package graph

import (
	"context"

	"github.com/matijazezelj/graphcore/internal/cache"
)

// EntityStream yields the entity handles of one result column.
type EntityStream struct {
	rows   RowStream
	column string
	cur    *cache.Entity
	err    error
}

// Next advances to the next entity.
func (s *EntityStream) Next(ctx context.Context) bool {
	if s.err != nil || !s.rows.Next(ctx) {
		return false
	}
	e, err := s.rows.Row().Entity(s.column)
	if err != nil {
		s.err = err
		return false
	}
	s.cur = e
	return true
}

// Entity returns the current handle.
func (s *EntityStream) Entity() *cache.Entity { return s.cur }

// Err returns the first error met while streaming.
func (s *EntityStream) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.rows.Err()
}

// Close releases the underlying cursor.
func (s *EntityStream) Close(ctx context.Context) error { return s.rows.Close(ctx) }

// Collect drains the stream and closes it.
func (s *EntityStream) Collect(ctx context.Context) ([]*cache.Entity, error) {
	defer s.Close(ctx) //nolint:errcheck // best-effort cleanup

	var out []*cache.Entity
	for s.Next(ctx) {
		out = append(out, s.cur)
	}
	return out, s.Err()
}

func (s *Service) streamEntities(ctx context.Context, stmt string, params map[string]any, column string) (*EntityStream, error) {
	tx, err := s.CurrentTransaction(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.RunStream(ctx, stmt, params)
	if err != nil {
		return nil, err
	}
	return &EntityStream{rows: rows, column: column}, nil
}

// AllNodes streams every node of the tenant.
func (s *Service) AllNodes(ctx context.Context) (*EntityStream, error) {
	return s.NodesByLabel(ctx, "")
}

// NodesByLabel streams the nodes carrying label.
func (s *Service) NodesByLabel(ctx context.Context, label string) (*EntityStream, error) {
	stmt, err := nodesStatement(label, s.opts.Tenant)
	if err != nil {
		return nil, err
	}
	return s.streamEntities(ctx, stmt, nil, "n")
}

// NodesByTypeProperty streams the nodes whose type property equals typeName.
func (s *Service) NodesByTypeProperty(ctx context.Context, typeName string) (*EntityStream, error) {
	stmt, err := nodesByTypeStatement(s.opts.Tenant)
	if err != nil {
		return nil, err
	}
	return s.streamEntities(ctx, stmt, map[string]any{"type": typeName}, "n")
}

// AllRelationships streams every relationship.
func (s *Service) AllRelationships(ctx context.Context) (*EntityStream, error) {
	return s.streamEntities(ctx, stmtAllRelationships, nil, "r")
}

// RelationshipsByType streams the relationships of one type.
func (s *Service) RelationshipsByType(ctx context.Context, relType string) (*EntityStream, error) {
	stmt, err := relationshipsByTypeStatement(relType)
	if err != nil {
		return nil, err
	}
	return s.streamEntities(ctx, stmt, nil, "r")
}

// DeleteNodesByLabel detaches and deletes every node carrying label. The
// caches are flushed when the transaction commits.
func (s *Service) DeleteNodesByLabel(ctx context.Context, label string) error {
	stmt, err := deleteNodesStatement(label, s.opts.Tenant)
	if err != nil {
		return err
	}
	return s.bulkDelete(ctx, stmt)
}

// CleanDatabase deletes every node of the tenant.
func (s *Service) CleanDatabase(ctx context.Context) error {
	return s.DeleteNodesByLabel(ctx, "")
}

func (s *Service) bulkDelete(ctx context.Context, stmt string) error {
	tx, err := s.CurrentTransaction(ctx)
	if err != nil {
		return err
	}
	if err := tx.RunForSideEffect(ctx, stmt, nil); err != nil {
		return err
	}
	tx.flush.Store(true)
	return nil
}

// NodeAndRelationshipCount returns the number of nodes of the tenant and the
// number of relationships.
func (s *Service) NodeAndRelationshipCount(ctx context.Context) (nodes, rels int64, err error) {
	tx, err := s.CurrentTransaction(ctx)
	if err != nil {
		return 0, 0, err
	}
	stmt, err := countNodesStatement(s.opts.Tenant)
	if err != nil {
		return 0, 0, err
	}
	row, err := tx.RunSingleRow(ctx, stmt, nil, true)
	if err != nil {
		return 0, 0, err
	}
	if nodes, err = row.Int64("c"); err != nil {
		return 0, 0, err
	}
	row, err = tx.RunSingleRow(ctx, stmtCountRelationships, nil, true)
	if err != nil {
		return 0, 0, err
	}
	if rels, err = row.Int64("c"); err != nil {
		return 0, 0, err
	}
	return nodes, rels, nil
}
