package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"

	"golang.org/x/sync/errgroup"
)

func failureKind(err error) string {
	switch {
	case errors.Is(err, ai.ErrProviderUnavailable):
		return common.FailureProviderUnavailable
	case errors.Is(err, ErrMalformedExtraction):
		return common.FailureMalformedOutput
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return common.FailureCancelled
	default:
		return common.FailureOther
	}
}

// isFatal reports whether err must abort the whole run.
func isFatal(ctx context.Context, err error) bool {
	return errors.Is(err, store.ErrGraphIntegrityViolation) || ctx.Err() != nil
}

func (p *Pipeline) setStatus(ctx context.Context, graphID, documentID, status string, cause error) {
	s := common.DocumentStatus{
		GraphID:    graphID,
		DocumentID: documentID,
		Status:     status,
		UpdatedAt:  time.Now().UTC(),
	}
	if cause != nil {
		s.Error = cause.Error()
	}
	if err := p.store.SetDocumentStatus(ctx, s); err != nil {
		logger.Warn("[Graph] Failed to update document status", "graph_id", graphID, "document", documentID, "status", status, "err", err)
	}
}

// extractGroups runs the extraction of every group of doc. The returned
// slice has one entry per group; failed groups are nil.
func (p *Pipeline) extractGroups(ctx context.Context, scope string, doc DocumentGroups, summary *common.RunSummary) ([]*Extraction, error) {
	results := make([]*Extraction, len(doc.Groups))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ParallelGroups)
	for i, group := range doc.Groups {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
			}

			res, err := p.extractor.Extract(gCtx, scope, group)
			if err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				logger.Warn("[Extract] Group failed", "group", group.ID, "document", doc.DocumentID, "err", err)
				summary.Fail(common.StageExtraction, group.ID, failureKind(err), err)
				return nil
			}

			switch r := res.(type) {
			case *Extraction:
				results[i] = r
				summary.Succeed(common.StageExtraction)
			case *ParseError:
				summary.Fail(common.StageExtraction, group.ID, common.FailureMalformedOutput, r)
			}
			return nil
		})
	}

	// barrier: the document is deduplicated only once all its groups are done
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// processDocument extracts, deduplicates and merges one document. Failures
// that only concern the document are recorded in summary and reported as a
// nil error; the returned error is fatal to the run.
func (p *Pipeline) processDocument(ctx context.Context, graphID string, doc DocumentGroups, summary *common.RunSummary) ([]string, error) {
	p.setStatus(ctx, graphID, doc.DocumentID, common.DocumentStatusExtracting, nil)
	scope := EntityScope(graphID, doc.DocumentID, p.cfg.AutomaticDeduplication)

	results, err := p.extractGroups(ctx, scope, doc, summary)
	if err != nil {
		return nil, err
	}

	var entities []common.Entity
	var relationships []common.Relationship
	failed := 0
	for _, r := range results {
		if r == nil {
			failed++
			continue
		}
		entities = append(entities, r.Entities...)
		relationships = append(relationships, r.Relationships...)
	}
	if failed == len(results) && failed > 0 {
		err := fmt.Errorf("all %d groups failed", failed)
		p.setStatus(ctx, graphID, doc.DocumentID, common.DocumentStatusFailed, err)
		return nil, nil
	}

	deduped, err := p.dedup.Deduplicate(ctx, entities, relationships)
	if err != nil {
		if isFatal(ctx, err) {
			return nil, err
		}
		logger.Warn("[Dedupe] Document deduplication failed", "document", doc.DocumentID, "err", err)
		summary.Fail(common.StageDeduplication, doc.DocumentID, failureKind(err), err)
		p.setStatus(ctx, graphID, doc.DocumentID, common.DocumentStatusFailed, err)
		return nil, nil
	}

	stats, err := p.store.MergeGraph(ctx, graphID, store.GraphDelta{
		Entities:      deduped.Entities,
		Relationships: deduped.Relationships,
	}, store.MergeOptions{DescriptionLimit: p.cfg.MaxDescriptionLength})
	if err != nil {
		if isFatal(ctx, err) {
			return nil, fmt.Errorf("failed to merge document %s: %w", doc.DocumentID, err)
		}
		logger.Error("[Graph] Failed to merge document", "document", doc.DocumentID, "err", err)
		summary.Fail(common.StageDeduplication, doc.DocumentID, failureKind(err), err)
		p.setStatus(ctx, graphID, doc.DocumentID, common.DocumentStatusFailed, err)
		return nil, nil
	}
	summary.Succeed(common.StageDeduplication)

	logger.Debug("[Graph] Document merged", "document", doc.DocumentID,
		"entities_created", stats.EntitiesCreated,
		"entities_merged", stats.EntitiesMerged,
		"relationships_created", stats.RelationshipsCreated,
		"relationships_merged", stats.RelationshipsMerged,
		"unchanged", stats.Unchanged,
	)

	if failed > 0 {
		p.setStatus(ctx, graphID, doc.DocumentID, common.DocumentStatusFailed, fmt.Errorf("%d of %d groups failed", failed, len(results)))
	} else {
		p.setStatus(ctx, graphID, doc.DocumentID, common.DocumentStatusExtracted, nil)
	}
	return stats.TouchedEntityIDs, nil
}
