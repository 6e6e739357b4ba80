package pgx

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const upsertChunksSQL = `
INSERT INTO chunks (graph_id, id, document_id, text, ordinal)
SELECT $1, c.id, c.document_id, c.text, c.ordinal
FROM unnest($2::text[], $3::text[], $4::text[], $5::int[]) AS c(id, document_id, text, ordinal)
ON CONFLICT (graph_id, id) DO UPDATE
SET document_id = EXCLUDED.document_id,
    text        = EXCLUDED.text,
    ordinal     = EXCLUDED.ordinal`

const getChunksSQL = `
SELECT id, document_id, text, ordinal
FROM chunks
WHERE graph_id = $1 AND ($2::text[] IS NULL OR id = ANY($2))
ORDER BY id`

const setChunkEmbeddingSQL = `
UPDATE chunks SET embedding = $3
WHERE graph_id = $1 AND id = $2`

// SaveChunks upserts chunks in bulk.
func (s *GraphDBStorage) SaveChunks(ctx context.Context, graphID string, chunks []common.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgxv5.Tx) error {
		return store.ChunkRange(len(chunks), batchSize, func(start, end int) error {
			batch := chunks[start:end]
			ids := make([]string, len(batch))
			docs := make([]string, len(batch))
			texts := make([]string, len(batch))
			ordinals := make([]int32, len(batch))
			for i, c := range batch {
				if c.ID == "" {
					return fmt.Errorf("chunk id is empty")
				}
				ids[i] = c.ID
				docs[i] = c.DocumentID
				texts[i] = util.SanitizePostgresText(c.Text)
				ordinals[i] = int32(c.Ordinal)
			}
			logger.Debug("[Store] Upserting chunks", "graph", graphID, "count", len(batch))
			_, err := tx.Exec(ctx, upsertChunksSQL, graphID, ids, docs, texts, ordinals)
			return err
		})
	})
}

// GetChunks returns the chunks with the given ids; nil ids returns all.
func (s *GraphDBStorage) GetChunks(ctx context.Context, graphID string, ids []string) ([]common.Chunk, error) {
	rows, err := s.conn.Query(ctx, getChunksSQL, graphID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]common.Chunk, 0)
	for rows.Next() {
		var c common.Chunk
		var ordinal int32
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Text, &ordinal); err != nil {
			return nil, err
		}
		c.Ordinal = int(ordinal)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *GraphDBStorage) SetChunkEmbeddings(ctx context.Context, graphID string, embeddings map[string][]float32) error {
	return s.setEmbeddings(ctx, setChunkEmbeddingSQL, "chunk", graphID, embeddings)
}

func (s *GraphDBStorage) setEmbeddings(ctx context.Context, sql, kind, graphID string, embeddings map[string][]float32) error {
	if len(embeddings) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgxv5.Tx) error {
		for _, id := range store.SortedKeys(embeddings) {
			tag, err := tx.Exec(ctx, sql, graphID, id, pgvector.NewVector(embeddings[id]))
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
			}
		}
		return nil
	})
}
