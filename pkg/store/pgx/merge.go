package pgx

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const lockEntitiesSQL = `
SELECT ` + entityColumns + `
FROM entities
WHERE graph_id = $1 AND id = ANY($2)
ORDER BY id
FOR UPDATE`

const lockRelationshipsSQL = `
SELECT ` + relationshipColumns + `
FROM relationships
WHERE graph_id = $1 AND id = ANY($2)
ORDER BY id
FOR UPDATE`

const existingEntityIDsSQL = `
SELECT id FROM entities WHERE graph_id = $1 AND id = ANY($2)`

const insertEntitySQL = `
INSERT INTO entities (graph_id, id, name, type, description, source_chunk_ids)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (graph_id, id) DO NOTHING`

const updateEntitySQL = `
UPDATE entities
SET description = $3, source_chunk_ids = $4
WHERE graph_id = $1 AND id = $2`

const upsertEntitySQL = `
INSERT INTO entities (graph_id, id, name, type, description, source_chunk_ids)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (graph_id, id) DO UPDATE
SET name             = EXCLUDED.name,
    type             = EXCLUDED.type,
    description      = EXCLUDED.description,
    source_chunk_ids = EXCLUDED.source_chunk_ids`

const insertRelationshipSQL = `
INSERT INTO relationships (graph_id, id, source_entity_id, target_entity_id, label, description, weight, source_chunk_ids, confidence, reflexive, contributions)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (graph_id, id) DO NOTHING`

const updateRelationshipSQL = `
UPDATE relationships
SET description = $3, weight = $4, source_chunk_ids = $5, confidence = $6, reflexive = $7, contributions = $8
WHERE graph_id = $1 AND id = $2`

const upsertRelationshipSQL = `
INSERT INTO relationships (graph_id, id, source_entity_id, target_entity_id, label, description, weight, source_chunk_ids, confidence, reflexive, contributions)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (graph_id, id) DO UPDATE
SET source_entity_id = EXCLUDED.source_entity_id,
    target_entity_id = EXCLUDED.target_entity_id,
    label            = EXCLUDED.label,
    description      = EXCLUDED.description,
    weight           = EXCLUDED.weight,
    source_chunk_ids = EXCLUDED.source_chunk_ids,
    confidence       = EXCLUDED.confidence,
    reflexive        = EXCLUDED.reflexive,
    contributions    = EXCLUDED.contributions`

const danglingRelationshipSQL = `
SELECT id FROM relationships
WHERE graph_id = $1 AND (source_entity_id = ANY($2) OR target_entity_id = ANY($2))
ORDER BY id
LIMIT 1`

const deleteGraphSQL = `DELETE FROM %s WHERE graph_id = $1`

// MergeGraph merges delta in one transaction. Stored rows are locked in id
// order; rows that do not exist yet are inserted with ON CONFLICT DO NOTHING
// and merged after locking if a concurrent transaction won the insert.
func (s *GraphDBStorage) MergeGraph(ctx context.Context, graphID string, delta store.GraphDelta, opts store.MergeOptions) (store.MergeStats, error) {
	var stats store.MergeStats
	entities := slices.Clone(delta.Entities)
	slices.SortStableFunc(entities, func(a, b common.Entity) int { return strings.Compare(a.ID, b.ID) })
	relationships := slices.Clone(delta.Relationships)
	slices.SortStableFunc(relationships, func(a, b common.Relationship) int { return strings.Compare(a.ID, b.ID) })

	err := s.withTx(ctx, func(tx pgxv5.Tx) error {
		stats = store.MergeStats{}

		entityIDs := make([]string, 0, len(entities))
		known := make(map[string]struct{}, len(entities))
		for _, e := range entities {
			if _, ok := known[e.ID]; !ok {
				entityIDs = append(entityIDs, e.ID)
				known[e.ID] = struct{}{}
			}
		}
		if err := s.resolveEndpoints(ctx, tx, graphID, known, relationships); err != nil {
			return err
		}
		if err := store.CheckEndpoints(known, relationships); err != nil {
			return err
		}

		existing, err := lockRows(ctx, tx, lockEntitiesSQL, graphID, entityIDs, scanEntity, func(e common.Entity) string { return e.ID })
		if err != nil {
			return err
		}
		touched := make(map[string]struct{})
		for _, e := range entities {
			cur, ok := existing[e.ID]
			if !ok {
				e.SourceChunkIDs = util.SortedUnion(e.SourceChunkIDs)
				e.Description = util.SanitizePostgresText(e.Description)
				tag, err := tx.Exec(ctx, insertEntitySQL, graphID, e.ID, e.Name, e.Type, e.Description, e.SourceChunkIDs)
				if err != nil {
					return err
				}
				if tag.RowsAffected() == 1 {
					existing[e.ID] = e
					stats.EntitiesCreated++
					touched[e.ID] = struct{}{}
					continue
				}
				if cur, err = scanEntity(tx.QueryRow(ctx, lockEntitiesSQL, graphID, []string{e.ID})); err != nil {
					return err
				}
			}
			if !store.MergeEntity(&cur, e, opts.DescriptionLimit) {
				existing[e.ID] = cur
				stats.Unchanged++
				continue
			}
			cur.Description = util.SanitizePostgresText(cur.Description)
			if _, err := tx.Exec(ctx, updateEntitySQL, graphID, cur.ID, cur.Description, cur.SourceChunkIDs); err != nil {
				return err
			}
			existing[e.ID] = cur
			stats.EntitiesMerged++
			touched[e.ID] = struct{}{}
		}

		relIDs := make([]string, 0, len(relationships))
		for _, r := range relationships {
			if len(relIDs) == 0 || relIDs[len(relIDs)-1] != r.ID {
				relIDs = append(relIDs, r.ID)
			}
		}
		existingRels, err := lockRows(ctx, tx, lockRelationshipsSQL, graphID, relIDs, scanRelationship, func(r common.Relationship) string { return r.ID })
		if err != nil {
			return err
		}
		for _, r := range relationships {
			cur, ok := existingRels[r.ID]
			if !ok {
				r.SourceChunkIDs = util.SortedUnion(r.SourceChunkIDs)
				r.Description = util.SanitizePostgresText(r.Description)
				r.Contributions = store.Contributions(r)
				r.Weight = store.ContributionWeight(r.Contributions)
				tag, err := tx.Exec(ctx, insertRelationshipSQL,
					graphID, r.ID, r.SourceEntityID, r.TargetEntityID, r.Label,
					r.Description, r.Weight, r.SourceChunkIDs, r.Confidence, r.Reflexive, r.Contributions)
				if err != nil {
					return integrityError(err)
				}
				if tag.RowsAffected() == 1 {
					existingRels[r.ID] = r
					stats.RelationshipsCreated++
					continue
				}
				if cur, err = scanRelationship(tx.QueryRow(ctx, lockRelationshipsSQL, graphID, []string{r.ID})); err != nil {
					return err
				}
			}
			if !store.MergeRelationship(&cur, r, opts.DescriptionLimit) {
				existingRels[r.ID] = cur
				stats.Unchanged++
				continue
			}
			cur.Description = util.SanitizePostgresText(cur.Description)
			if _, err := tx.Exec(ctx, updateRelationshipSQL,
				graphID, cur.ID, cur.Description, cur.Weight, cur.SourceChunkIDs, cur.Confidence, cur.Reflexive, cur.Contributions); err != nil {
				return err
			}
			existingRels[r.ID] = cur
			stats.RelationshipsMerged++
		}

		stats.TouchedEntityIDs = store.SortedKeys(touched)
		return nil
	})
	if err != nil {
		return store.MergeStats{}, err
	}
	logger.Debug("[Store] Merged graph delta", "graph", graphID, "changed", stats.Changed(), "unchanged", stats.Unchanged)
	return stats, nil
}

// resolveEndpoints adds the stored entities among the relationship
// endpoints to known.
func (s *GraphDBStorage) resolveEndpoints(ctx context.Context, tx pgxv5.Tx, graphID string, known map[string]struct{}, relationships []common.Relationship) error {
	missing := make(map[string]struct{})
	for _, r := range relationships {
		for _, id := range []string{r.SourceEntityID, r.TargetEntityID} {
			if _, ok := known[id]; !ok {
				missing[id] = struct{}{}
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	rows, err := tx.Query(ctx, existingEntityIDsSQL, graphID, store.SortedKeys(missing))
	if err != nil {
		return err
	}
	ids, err := collectRows(rows, func(row rowScanner) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		known[id] = struct{}{}
	}
	return nil
}

func lockRows[T any](ctx context.Context, tx pgxv5.Tx, sql, graphID string, ids []string, scan func(rowScanner) (T, error), key func(T) string) (map[string]T, error) {
	out := make(map[string]T, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := tx.Query(ctx, sql, graphID, ids)
	if err != nil {
		return nil, err
	}
	items, err := collectRows(rows, scan)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		out[key(it)] = it
	}
	return out, nil
}

// ApplyMerge applies a deduplication plan in one transaction. A plan that
// would leave a relationship pointing at a deleted entity is rejected with
// ErrGraphIntegrityViolation and nothing is written.
func (s *GraphDBStorage) ApplyMerge(ctx context.Context, graphID string, plan store.MergePlan) error {
	if plan.Empty() {
		return nil
	}
	for _, r := range plan.Relationships {
		if r.SourceEntityID == r.TargetEntityID && !r.Reflexive {
			return fmt.Errorf("%w: relationship %s is an unasserted self-loop", store.ErrGraphIntegrityViolation, r.ID)
		}
	}

	return s.withTx(ctx, func(tx pgxv5.Tx) error {
		for _, e := range plan.Entities {
			_, err := tx.Exec(ctx, upsertEntitySQL,
				graphID, e.ID, e.Name, e.Type, util.SanitizePostgresText(e.Description), util.SortedUnion(e.SourceChunkIDs))
			if err != nil {
				return err
			}
		}
		if len(plan.DeleteRelationshipIDs) > 0 {
			if _, err := tx.Exec(ctx, deleteRelationshipsSQL, graphID, plan.DeleteRelationshipIDs); err != nil {
				return err
			}
		}
		for _, r := range plan.Relationships {
			_, err := tx.Exec(ctx, upsertRelationshipSQL,
				graphID, r.ID, r.SourceEntityID, r.TargetEntityID, r.Label,
				util.SanitizePostgresText(r.Description), r.Weight, util.SortedUnion(r.SourceChunkIDs), r.Confidence, r.Reflexive, store.Contributions(r))
			if err != nil {
				return integrityError(err)
			}
		}
		if len(plan.DeleteEntityIDs) == 0 {
			return nil
		}

		var dangling string
		err := tx.QueryRow(ctx, danglingRelationshipSQL, graphID, plan.DeleteEntityIDs).Scan(&dangling)
		if err == nil {
			return fmt.Errorf("%w: relationship %s references a deleted entity", store.ErrGraphIntegrityViolation, dangling)
		}
		if !errors.Is(err, pgxv5.ErrNoRows) {
			return err
		}
		_, err = tx.Exec(ctx, deleteEntitiesSQL, graphID, plan.DeleteEntityIDs)
		return err
	})
}

// DeleteGraph removes every record of the scope.
func (s *GraphDBStorage) DeleteGraph(ctx context.Context, graphID string) error {
	tables := []string{"community_reports", "communities", "relationships", "entities", "chunks", "document_status"}
	return s.withTx(ctx, func(tx pgxv5.Tx) error {
		for _, t := range tables {
			if _, err := tx.Exec(ctx, fmt.Sprintf(deleteGraphSQL, t), graphID); err != nil {
				return fmt.Errorf("delete %s: %w", t, err)
			}
		}
		return nil
	})
}
