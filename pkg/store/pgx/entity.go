package pgx

import (
	"context"

	"github.com/OFFIS-RIT/fuse/backend/pkg/common"

	pgxv5 "github.com/jackc/pgx/v5"
)

const entityColumns = `id, name, type, description, source_chunk_ids`

const relationshipColumns = `id, source_entity_id, target_entity_id, label, description, weight, source_chunk_ids, confidence, reflexive, contributions`

const getEntitiesSQL = `
SELECT ` + entityColumns + `
FROM entities
WHERE graph_id = $1 AND ($2::text[] IS NULL OR id = ANY($2))
ORDER BY id`

const deleteEntitiesSQL = `
DELETE FROM entities WHERE graph_id = $1 AND id = ANY($2)`

const setEntityEmbeddingSQL = `
UPDATE entities SET embedding = $3
WHERE graph_id = $1 AND id = $2`

const getRelationshipsSQL = `
SELECT ` + relationshipColumns + `
FROM relationships
WHERE graph_id = $1 AND ($2::text[] IS NULL OR id = ANY($2))
ORDER BY id`

const deleteRelationshipsSQL = `
DELETE FROM relationships WHERE graph_id = $1 AND id = ANY($2)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (common.Entity, error) {
	var e common.Entity
	err := row.Scan(&e.ID, &e.Name, &e.Type, &e.Description, &e.SourceChunkIDs)
	return e, err
}

func scanRelationship(row rowScanner) (common.Relationship, error) {
	var r common.Relationship
	err := row.Scan(
		&r.ID,
		&r.SourceEntityID,
		&r.TargetEntityID,
		&r.Label,
		&r.Description,
		&r.Weight,
		&r.SourceChunkIDs,
		&r.Confidence,
		&r.Reflexive,
		&r.Contributions,
	)
	return r, err
}

func collectRows[T any](rows pgxv5.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetEntities returns the entities with the given ids; nil ids returns all.
func (s *GraphDBStorage) GetEntities(ctx context.Context, graphID string, ids []string) ([]common.Entity, error) {
	rows, err := s.conn.Query(ctx, getEntitiesSQL, graphID, ids)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanEntity)
}

// DeleteEntities removes the entities; their relationships cascade.
func (s *GraphDBStorage) DeleteEntities(ctx context.Context, graphID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.conn.Exec(ctx, deleteEntitiesSQL, graphID, ids)
	return err
}

func (s *GraphDBStorage) SetEntityEmbeddings(ctx context.Context, graphID string, embeddings map[string][]float32) error {
	return s.setEmbeddings(ctx, setEntityEmbeddingSQL, "entity", graphID, embeddings)
}

// GetRelationships returns the relationships with the given ids; nil ids returns all.
func (s *GraphDBStorage) GetRelationships(ctx context.Context, graphID string, ids []string) ([]common.Relationship, error) {
	rows, err := s.conn.Query(ctx, getRelationshipsSQL, graphID, ids)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanRelationship)
}

func (s *GraphDBStorage) DeleteRelationships(ctx context.Context, graphID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.conn.Exec(ctx, deleteRelationshipsSQL, graphID, ids)
	return err
}

// LoadGraph reads entities and relationships in one repeatable-read
// snapshot.
func (s *GraphDBStorage) LoadGraph(ctx context.Context, graphID string) (common.Graph, error) {
	g := common.Graph{ID: graphID}
	err := s.withTx(ctx, func(tx pgxv5.Tx) error {
		if _, err := tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, getEntitiesSQL, graphID, nil)
		if err != nil {
			return err
		}
		if g.Entities, err = collectRows(rows, scanEntity); err != nil {
			return err
		}
		rows, err = tx.Query(ctx, getRelationshipsSQL, graphID, nil)
		if err != nil {
			return err
		}
		g.Relationships, err = collectRows(rows, scanRelationship)
		return err
	})
	return g, err
}
