package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"

	"golang.org/x/sync/errgroup"
)

// Run builds or updates the graph of graphID from chunks: extraction and
// per-document deduplication in parallel, then graph-wide deduplication,
// embeddings, clustering and community reports once every document is
// done.
//
// Per-unit failures are recorded in the returned summary and do not fail
// the run. The error is non-nil for integrity violations, cancellation and
// failed clustering; the summary is returned in every case.
func (p *Pipeline) Run(ctx context.Context, graphID string, chunks []common.Chunk) (*common.RunSummary, error) {
	runID, err := util.NewPrefixedID("run_")
	if err != nil {
		return nil, err
	}
	summary := common.NewRunSummary(runID)

	docs := GroupChunks(chunks, p.cfg.FragmentMergeCount)
	logger.Info("[Graph] Processing", "run_id", runID, "graph_id", graphID, "documents", len(docs), "chunks", len(chunks))

	if err := p.store.SaveChunks(ctx, graphID, chunks); err != nil {
		return summary, fmt.Errorf("failed to save chunks: %w", err)
	}
	for _, doc := range docs {
		p.setStatus(ctx, graphID, doc.DocumentID, common.DocumentStatusPending, nil)
	}

	touched, err := p.processDocuments(ctx, graphID, docs, summary)
	if err != nil {
		return summary, fmt.Errorf("failed to process documents: %w", err)
	}
	logger.Info("[Graph] Documents processed", "run_id", runID, "documents", len(docs))

	if p.cfg.AutomaticDeduplication {
		plan, err := p.deduplicateGraph(ctx, graphID, summary)
		if err != nil {
			return summary, fmt.Errorf("failed to deduplicate graph: %w", err)
		}
		touched = applyPlan(touched, plan)
	}

	if err := p.embed(ctx, graphID, chunks, touched, summary); err != nil {
		return summary, err
	}

	if p.clusterer == nil {
		logger.Info("[Graph] Graph build completed", "run_id", runID, "graph_id", graphID)
		return summary, nil
	}

	communities, err := p.clusterer.Run(ctx, graphID)
	if err != nil {
		summary.Fail(common.StageClustering, graphID, common.FailureClustering, err)
		return summary, fmt.Errorf("failed to cluster graph: %w", err)
	}
	summary.Succeed(common.StageClustering)

	if p.summarizer != nil {
		if err := p.summarizer.Summarize(ctx, graphID, communities, summary); err != nil {
			return summary, fmt.Errorf("failed to summarize communities: %w", err)
		}
	}

	logger.Info("[Graph] Graph build completed", "run_id", runID, "graph_id", graphID, "communities", len(communities), "failures", summary.HasFailures())
	return summary, nil
}

func (p *Pipeline) processDocuments(ctx context.Context, graphID string, docs []DocumentGroups, summary *common.RunSummary) ([]string, error) {
	var mu sync.Mutex
	var touched []string

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.cfg.ParallelDocuments)
	for _, doc := range docs {
		eg.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
				ids, err := p.processDocument(gCtx, graphID, doc, summary)
				if err != nil {
					return err
				}
				mu.Lock()
				touched = append(touched, ids...)
				mu.Unlock()
				return nil
			}
		})
	}

	// barrier: graph-wide work starts only after every document is done
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return util.SortedUnion(touched), nil
}

func (p *Pipeline) deduplicateGraph(ctx context.Context, graphID string, summary *common.RunSummary) (store.MergePlan, error) {
	var plan store.MergePlan
	err := p.locker.WithLease(ctx, leaselock.GraphKey(graphID), leaselock.Options{Wait: true}, func(ctx context.Context) error {
		var err error
		plan, err = p.dedup.DeduplicateGraph(ctx, p.store, graphID)
		return err
	})
	if err != nil {
		if isFatal(ctx, err) {
			return store.MergePlan{}, err
		}
		logger.Warn("[Dedupe] Graph deduplication failed", "graph_id", graphID, "err", err)
		summary.Fail(common.StageDeduplication, graphID, failureKind(err), err)
		return store.MergePlan{}, nil
	}
	summary.Succeed(common.StageDeduplication)
	return plan, nil
}

// applyPlan drops deleted entities from touched and adds rewritten ones.
func applyPlan(touched []string, plan store.MergePlan) []string {
	ids := slices.Clone(touched)
	for _, e := range plan.Entities {
		ids = append(ids, e.ID)
	}
	ids = slices.DeleteFunc(ids, func(id string) bool {
		return slices.Contains(plan.DeleteEntityIDs, id)
	})
	return util.SortedUnion(ids)
}

// embed stores embeddings for the run's chunks and touched entities. A
// failed batch is recorded; vector search then misses those records until
// the next run.
func (p *Pipeline) embed(ctx context.Context, graphID string, chunks []common.Chunk, entityIDs []string, summary *common.RunSummary) error {
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		if err := p.embedInto(ctx, "chunks", texts, func(vectors [][]float32) error {
			embeddings := make(map[string][]float32, len(chunks))
			for i, c := range chunks {
				embeddings[c.ID] = vectors[i]
			}
			return p.store.SetChunkEmbeddings(ctx, graphID, embeddings)
		}, summary); err != nil {
			return err
		}
	}

	if len(entityIDs) == 0 {
		return nil
	}
	entities, err := p.store.GetEntities(ctx, graphID, entityIDs)
	if err != nil {
		return fmt.Errorf("failed to load entities for embedding: %w", err)
	}
	texts := make([]string, len(entities))
	for i, e := range entities {
		texts[i] = EmbeddingText(e)
	}
	return p.embedInto(ctx, "entities", texts, func(vectors [][]float32) error {
		embeddings := make(map[string][]float32, len(entities))
		for i, e := range entities {
			embeddings[e.ID] = vectors[i]
		}
		return p.store.SetEntityEmbeddings(ctx, graphID, embeddings)
	}, summary)
}

func (p *Pipeline) embedInto(ctx context.Context, unit string, texts []string, save func([][]float32) error, summary *common.RunSummary) error {
	if len(texts) == 0 {
		return nil
	}
	vectors, err := p.gateway.Embed(ctx, texts)
	if err == nil {
		err = save(vectors)
	}
	if err != nil {
		if isFatal(ctx, err) {
			return err
		}
		logger.Warn("[Graph] Embedding failed", "unit", unit, "err", err)
		summary.Fail(common.StageEmbedding, unit, failureKind(err), err)
		return nil
	}
	summary.Succeed(common.StageEmbedding)
	return nil
}

// DeleteGraph removes every record of graphID while holding its lease.
func (p *Pipeline) DeleteGraph(ctx context.Context, graphID string) error {
	err := p.locker.WithLease(ctx, leaselock.GraphKey(graphID), leaselock.Options{Wait: true}, func(ctx context.Context) error {
		return p.store.DeleteGraph(ctx, graphID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete graph %s: %w", graphID, err)
	}
	logger.Info("[Graph] Graph deleted", "graph_id", graphID)
	return nil
}

// Status returns the extraction status of one document.
func (p *Pipeline) Status(ctx context.Context, graphID, documentID string) (common.DocumentStatus, error) {
	s, err := p.store.GetDocumentStatus(ctx, graphID, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return common.DocumentStatus{}, fmt.Errorf("document %s of graph %s: %w", documentID, graphID, err)
	}
	return s, err
}
