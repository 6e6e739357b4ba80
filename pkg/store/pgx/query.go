package pgx

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"

	"github.com/go-playground/validator"
	"github.com/pgvector/pgvector-go"
)

const searchVectorSQL = `
SELECT id, kind, score FROM (
    SELECT id, 'chunk' AS kind, %[1]s AS score
    FROM chunks
    WHERE graph_id = $1 AND embedding IS NOT NULL
    UNION ALL
    SELECT id, 'entity' AS kind, %[2]s AS score
    FROM entities
    WHERE graph_id = $1 AND embedding IS NOT NULL
) hits
ORDER BY score DESC, id
LIMIT NULLIF($3::int, 0)`

// The query terms are OR-ed so partial matches still rank.
const searchKeywordSQL = `
WITH q AS (
    SELECT replace(plainto_tsquery('simple', $2)::text, '&', '|')::tsquery AS query
)
SELECT id, kind, score FROM (
    SELECT c.id, 'chunk' AS kind, ts_rank(c.tsv, q.query)::float8 AS score
    FROM chunks c, q
    WHERE c.graph_id = $1 AND c.tsv @@ q.query
    UNION ALL
    SELECT e.id, 'entity' AS kind, ts_rank(e.tsv, q.query)::float8 AS score
    FROM entities e, q
    WHERE e.graph_id = $1 AND e.tsv @@ q.query
) hits
ORDER BY score DESC, id
LIMIT NULLIF($3::int, 0)`

const entitiesForChunksSQL = `
SELECT id FROM entities
WHERE graph_id = $1 AND source_chunk_ids && $2::text[]
ORDER BY id`

const relationshipsForEntitiesSQL = `
SELECT ` + relationshipColumns + `
FROM relationships
WHERE graph_id = $1 AND (source_entity_id = ANY($2) OR target_entity_id = ANY($2))
ORDER BY id`

const communitiesForEntitiesSQL = `
SELECT ` + communityColumns + `
FROM communities
WHERE graph_id = $1 AND entity_ids && $2::text[]
ORDER BY level, id`

const createVectorIndexSQL = `
CREATE INDEX IF NOT EXISTS %[1]s_embedding_%[2]s_%[3]s_idx
ON %[1]s USING %[2]s ((embedding::vector(%[4]d)) %[5]s)`

var indexValidator = validator.New()

func operatorClass(m store.IndexMeasure) string {
	switch m {
	case store.MeasureL2:
		return "vector_l2_ops"
	case store.MeasureInnerProduct:
		return "vector_ip_ops"
	default:
		return "vector_cosine_ops"
	}
}

// scoreExpr turns the pgvector distance into a score where higher is better.
func scoreExpr(m store.IndexMeasure, column string) string {
	switch m {
	case store.MeasureL2:
		return fmt.Sprintf("-(%s <-> $2)", column)
	case store.MeasureInnerProduct:
		return fmt.Sprintf("-(%s <#> $2)", column)
	default:
		return fmt.Sprintf("1 - (%s <=> $2)", column)
	}
}

// vectorExpr returns the measure and column expression for target. With an
// index in place the expression matches the index so the planner can use it.
func (s *GraphDBStorage) vectorExpr(target store.IndexTarget) string {
	s.indexLock.RLock()
	opts, ok := s.indexes[target]
	s.indexLock.RUnlock()
	if !ok {
		return scoreExpr(store.MeasureCosine, "embedding")
	}
	return scoreExpr(opts.Measure, fmt.Sprintf("(embedding::vector(%d))", opts.Dimensions))
}

func scanHit(row rowScanner) (store.Hit, error) {
	var h store.Hit
	var kind string
	err := row.Scan(&h.ID, &kind, &h.Score)
	h.Kind = common.ResultKind(kind)
	return h, err
}

func (s *GraphDBStorage) SearchVector(ctx context.Context, graphID string, vector []float32, topK int) ([]store.Hit, error) {
	sql := fmt.Sprintf(searchVectorSQL, s.vectorExpr(store.IndexChunks), s.vectorExpr(store.IndexEntities))
	rows, err := s.conn.Query(ctx, sql, graphID, pgvector.NewVector(vector), int32(max(topK, 0)))
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanHit)
}

func (s *GraphDBStorage) SearchKeyword(ctx context.Context, graphID string, query string, topK int) ([]store.Hit, error) {
	rows, err := s.conn.Query(ctx, searchKeywordSQL, graphID, query, int32(max(topK, 0)))
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanHit)
}

func (s *GraphDBStorage) EntitiesForChunks(ctx context.Context, graphID string, chunkIDs []string) ([]string, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx, entitiesForChunksSQL, graphID, chunkIDs)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, func(row rowScanner) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
}

func (s *GraphDBStorage) RelationshipsForEntities(ctx context.Context, graphID string, entityIDs []string) ([]common.Relationship, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx, relationshipsForEntitiesSQL, graphID, entityIDs)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanRelationship)
}

func (s *GraphDBStorage) CommunitiesForEntities(ctx context.Context, graphID string, entityIDs []string) ([]common.Community, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx, communitiesForEntitiesSQL, graphID, entityIDs)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanCommunity)
}

// CreateVectorIndex builds an HNSW or IVFFlat index on the embedding column
// of the target table. Later vector searches use the index's measure.
func (s *GraphDBStorage) CreateVectorIndex(ctx context.Context, opts store.IndexOptions) error {
	if err := indexValidator.Struct(opts); err != nil {
		return fmt.Errorf("invalid index options: %w", err)
	}
	sql := fmt.Sprintf(createVectorIndexSQL, opts.Target, opts.Method, opts.Measure, opts.Dimensions, operatorClass(opts.Measure))
	if _, err := s.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}

	s.indexLock.Lock()
	s.indexes[opts.Target] = opts
	s.indexLock.Unlock()
	logger.Info("[Store] Created vector index", "target", opts.Target, "method", opts.Method, "measure", opts.Measure)
	return nil
}
