package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const communityColumns = `id, level, entity_ids, parent_community_id`

const getCommunitiesSQL = `
SELECT ` + communityColumns + `
FROM communities
WHERE graph_id = $1
ORDER BY level, id`

const countEntitiesSQL = `
SELECT count(*) FROM entities WHERE graph_id = $1 AND id = ANY($2)`

const deleteAllReportsSQL = `DELETE FROM community_reports WHERE graph_id = $1`

const deleteAllCommunitiesSQL = `DELETE FROM communities WHERE graph_id = $1`

const insertCommunitySQL = `
INSERT INTO communities (graph_id, id, level, entity_ids, parent_community_id)
VALUES ($1, $2, $3, $4, $5)`

const upsertReportSQL = `
INSERT INTO community_reports (graph_id, community_id, level, title, summary, rating, rating_explanation, findings)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (graph_id, community_id) DO UPDATE
SET level              = EXCLUDED.level,
    title              = EXCLUDED.title,
    summary            = EXCLUDED.summary,
    rating             = EXCLUDED.rating,
    rating_explanation = EXCLUDED.rating_explanation,
    findings           = EXCLUDED.findings`

const getReportsSQL = `
SELECT community_id, level, title, summary, rating, rating_explanation, findings
FROM community_reports
WHERE graph_id = $1 AND ($2::text[] IS NULL OR community_id = ANY($2))
ORDER BY level, community_id`

const deleteReportsSQL = `
DELETE FROM community_reports WHERE graph_id = $1 AND community_id = ANY($2)`

const upsertDocumentStatusSQL = `
INSERT INTO document_status (graph_id, document_id, status, error, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (graph_id, document_id) DO UPDATE
SET status     = EXCLUDED.status,
    error      = EXCLUDED.error,
    updated_at = EXCLUDED.updated_at`

const getDocumentStatusSQL = `
SELECT status, error, updated_at
FROM document_status
WHERE graph_id = $1 AND document_id = $2`

func scanCommunity(row rowScanner) (common.Community, error) {
	var c common.Community
	var level int32
	err := row.Scan(&c.ID, &level, &c.EntityIDs, &c.ParentCommunityID)
	c.Level = int(level)
	return c, err
}

func scanReport(row rowScanner) (common.CommunityReport, error) {
	var r common.CommunityReport
	var level int32
	err := row.Scan(&r.CommunityID, &level, &r.Title, &r.Summary, &r.Rating, &r.RatingExplanation, &r.Findings)
	r.Level = int(level)
	return r, err
}

// GetCommunities returns all communities ordered by level, then id.
func (s *GraphDBStorage) GetCommunities(ctx context.Context, graphID string) ([]common.Community, error) {
	rows, err := s.conn.Query(ctx, getCommunitiesSQL, graphID)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanCommunity)
}

// ReplaceCommunities deletes the reports and communities of the scope and
// inserts the new set in one transaction.
func (s *GraphDBStorage) ReplaceCommunities(ctx context.Context, graphID string, communities []common.Community) error {
	members := make(map[string]struct{})
	for _, c := range communities {
		for _, e := range c.EntityIDs {
			members[e] = struct{}{}
		}
	}

	return s.withTx(ctx, func(tx pgxv5.Tx) error {
		if len(members) > 0 {
			var found int64
			if err := tx.QueryRow(ctx, countEntitiesSQL, graphID, store.SortedKeys(members)).Scan(&found); err != nil {
				return err
			}
			if found != int64(len(members)) {
				return fmt.Errorf("%w: communities reference %d missing entities", store.ErrGraphIntegrityViolation, int64(len(members))-found)
			}
		}
		if _, err := tx.Exec(ctx, deleteAllReportsSQL, graphID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, deleteAllCommunitiesSQL, graphID); err != nil {
			return err
		}
		for _, c := range communities {
			if _, err := tx.Exec(ctx, insertCommunitySQL, graphID, c.ID, int32(c.Level), c.EntityIDs, c.ParentCommunityID); err != nil {
				return err
			}
		}
		logger.Debug("[Store] Replaced communities", "graph", graphID, "count", len(communities))
		return nil
	})
}

// SaveCommunityReports upserts reports. A report for a community that no
// longer exists fails with ErrNotFound.
func (s *GraphDBStorage) SaveCommunityReports(ctx context.Context, graphID string, reports []common.CommunityReport) error {
	if len(reports) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgxv5.Tx) error {
		for _, r := range reports {
			findings := make([]string, len(r.Findings))
			for i, f := range r.Findings {
				findings[i] = util.SanitizePostgresText(f)
			}
			_, err := tx.Exec(ctx, upsertReportSQL,
				graphID, r.CommunityID, int32(r.Level),
				util.SanitizePostgresText(r.Title),
				util.SanitizePostgresText(r.Summary),
				r.Rating,
				util.SanitizePostgresText(r.RatingExplanation),
				findings,
			)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
					return fmt.Errorf("community %s: %w", r.CommunityID, store.ErrNotFound)
				}
				return err
			}
		}
		return nil
	})
}

// GetCommunityReports returns the reports of the given communities; nil ids returns all.
func (s *GraphDBStorage) GetCommunityReports(ctx context.Context, graphID string, communityIDs []string) ([]common.CommunityReport, error) {
	rows, err := s.conn.Query(ctx, getReportsSQL, graphID, communityIDs)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanReport)
}

func (s *GraphDBStorage) DeleteCommunityReports(ctx context.Context, graphID string, communityIDs []string) error {
	if len(communityIDs) == 0 {
		return nil
	}
	_, err := s.conn.Exec(ctx, deleteReportsSQL, graphID, communityIDs)
	return err
}

func (s *GraphDBStorage) SetDocumentStatus(ctx context.Context, status common.DocumentStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	_, err := s.conn.Exec(ctx, upsertDocumentStatusSQL,
		status.GraphID, status.DocumentID, status.Status, util.SanitizePostgresText(status.Error), status.UpdatedAt)
	return err
}

func (s *GraphDBStorage) GetDocumentStatus(ctx context.Context, graphID string, documentID string) (common.DocumentStatus, error) {
	st := common.DocumentStatus{GraphID: graphID, DocumentID: documentID}
	err := s.conn.QueryRow(ctx, getDocumentStatusSQL, graphID, documentID).Scan(&st.Status, &st.Error, &st.UpdatedAt)
	if err != nil {
		return common.DocumentStatus{}, notFound(err, "document "+documentID)
	}
	return st, nil
}
