package graph

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"
)

// DefaultSimilarityThreshold is the cosine similarity at which two entities
// of the same type are merged.
const DefaultSimilarityThreshold = 0.92

// DedupConfig configures a Deduplicator.
type DedupConfig struct {
	// Enabled turns on the embedding similarity merge. Exact merges on the
	// normalized name and type always run.
	Enabled             bool
	SimilarityThreshold float64
	// DescriptionLimit caps merged descriptions. 0 means no cap.
	DescriptionLimit int
}

// DedupResult is a deduplicated set of entities and relationships, sorted
// by id.
type DedupResult struct {
	Entities      []common.Entity
	Relationships []common.Relationship
	// Redirects maps every merged-away entity id to its canonical id.
	Redirects map[string]string
}

// Deduplicator merges entities that name the same thing and re-points
// their relationships.
type Deduplicator struct {
	embedder Embedder
	cfg      DedupConfig
}

func NewDeduplicator(embedder Embedder, cfg DedupConfig) *Deduplicator {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return &Deduplicator{embedder: embedder, cfg: cfg}
}

// Deduplicate merges entities with equal normalized name and type and, when
// enabled, entities of the same type whose embeddings are at least the
// similarity threshold apart, until no further merge applies. Running it on
// its own output changes nothing.
func (d *Deduplicator) Deduplicate(ctx context.Context, entities []common.Entity, relationships []common.Relationship) (DedupResult, error) {
	redirects := make(map[string]string)

	groups := make(map[string][]common.Entity)
	for _, e := range entities {
		k := entityKey(e)
		groups[k] = append(groups[k], e)
	}
	current := make([]common.Entity, 0, len(groups))
	for _, members := range groups {
		current = append(current, d.mergeGroup(members, redirects))
	}
	sortEntities(current)

	if d.cfg.Enabled && d.embedder != nil {
		var err error
		current, err = d.similarityMerge(ctx, current, redirects)
		if err != nil {
			return DedupResult{}, err
		}
	}

	resolveRedirects(redirects)
	return DedupResult{
		Entities:      current,
		Relationships: redirectRelationships(relationships, redirects, d.cfg.DescriptionLimit),
		Redirects:     redirects,
	}, nil
}

func (d *Deduplicator) mergeGroup(members []common.Entity, redirects map[string]string) common.Entity {
	merged := mergeEntities(members, d.cfg.DescriptionLimit)
	for _, m := range members {
		if m.ID != merged.ID {
			redirects[m.ID] = merged.ID
		}
	}
	return merged
}

func (d *Deduplicator) similarityMerge(ctx context.Context, current []common.Entity, redirects map[string]string) ([]common.Entity, error) {
	cache := make(map[string][]float32)

	for round := 1; ; round++ {
		var missing []string
		for _, e := range current {
			text := EmbeddingText(e)
			if _, ok := cache[text]; !ok && !slices.Contains(missing, text) {
				missing = append(missing, text)
			}
		}
		if len(missing) > 0 {
			vectors, err := d.embedder.Embed(ctx, missing)
			if err != nil {
				return nil, fmt.Errorf("failed to embed entities for deduplication: %w", err)
			}
			for i, text := range missing {
				cache[text] = vectors[i]
			}
		}

		uf := newUnionFind(len(current))
		merges := 0
		for i := range current {
			vi := cache[EmbeddingText(current[i])]
			for j := i + 1; j < len(current); j++ {
				if current[i].Type != current[j].Type {
					continue
				}
				if ai.CosineSimilarity(vi, cache[EmbeddingText(current[j])]) >= d.cfg.SimilarityThreshold {
					if uf.union(i, j) {
						merges++
					}
				}
			}
		}
		if merges == 0 {
			return current, nil
		}

		logger.Debug("[Dedupe] Similarity round merged entities", "round", round, "merges", merges, "count", len(current))
		byRoot := make(map[int][]common.Entity)
		for i, e := range current {
			r := uf.find(i)
			byRoot[r] = append(byRoot[r], e)
		}
		next := make([]common.Entity, 0, len(byRoot))
		for _, members := range byRoot {
			next = append(next, d.mergeGroup(members, redirects))
		}
		sortEntities(next)
		current = next
	}
}

// resolveRedirects points every entry at the end of its redirect chain.
func resolveRedirects(redirects map[string]string) {
	for from := range redirects {
		to := redirects[from]
		for {
			next, ok := redirects[to]
			if !ok || next == to {
				break
			}
			to = next
		}
		redirects[from] = to
	}
}

func sortEntities(entities []common.Entity) {
	slices.SortFunc(entities, func(a, b common.Entity) int {
		return cmp.Compare(a.ID, b.ID)
	})
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union joins the sets of a and b under the smaller root and reports
// whether they were separate.
func (u *unionFind) union(a, b int) bool {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return false
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	return true
}

// DeduplicateGraph deduplicates the whole scope and applies the result to
// the store as one atomic plan. The applied plan is returned.
func (d *Deduplicator) DeduplicateGraph(ctx context.Context, st store.GraphStorage, graphID string) (store.MergePlan, error) {
	g, err := st.LoadGraph(ctx, graphID)
	if err != nil {
		return store.MergePlan{}, fmt.Errorf("failed to load graph %s: %w", graphID, err)
	}

	res, err := d.Deduplicate(ctx, g.Entities, g.Relationships)
	if err != nil {
		return store.MergePlan{}, err
	}

	plan := diffGraph(g, res)
	if plan.Empty() {
		logger.Debug("[Dedupe] Graph already deduplicated", "graph_id", graphID)
		return plan, nil
	}
	if err := st.ApplyMerge(ctx, graphID, plan); err != nil {
		return store.MergePlan{}, fmt.Errorf("failed to apply merge plan: %w", err)
	}

	logger.Info("[Dedupe] Graph deduplicated", "graph_id", graphID,
		"entities_merged", len(plan.DeleteEntityIDs),
		"entities_updated", len(plan.Entities),
		"relationships_removed", len(plan.DeleteRelationshipIDs),
		"relationships_written", len(plan.Relationships),
	)
	return plan, nil
}

// diffGraph turns a deduplication result into the plan that moves g there.
func diffGraph(g common.Graph, res DedupResult) store.MergePlan {
	var plan store.MergePlan

	oldEntities := make(map[string]common.Entity, len(g.Entities))
	for _, e := range g.Entities {
		oldEntities[e.ID] = e
	}
	newEntities := make(map[string]struct{}, len(res.Entities))
	for _, e := range res.Entities {
		newEntities[e.ID] = struct{}{}
		if old, ok := oldEntities[e.ID]; !ok || !entityEqual(old, e) {
			plan.Entities = append(plan.Entities, e)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(oldEntities)) {
		if _, ok := newEntities[id]; !ok {
			plan.DeleteEntityIDs = append(plan.DeleteEntityIDs, id)
		}
	}

	oldRels := make(map[string]common.Relationship, len(g.Relationships))
	for _, r := range g.Relationships {
		oldRels[r.ID] = r
	}
	newRels := make(map[string]struct{}, len(res.Relationships))
	for _, r := range res.Relationships {
		newRels[r.ID] = struct{}{}
		if old, ok := oldRels[r.ID]; !ok || !relationshipEqual(old, r) {
			plan.Relationships = append(plan.Relationships, r)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(oldRels)) {
		if _, ok := newRels[id]; !ok {
			plan.DeleteRelationshipIDs = append(plan.DeleteRelationshipIDs, id)
		}
	}
	return plan
}

func entityEqual(a, b common.Entity) bool {
	return a.ID == b.ID && a.Name == b.Name && a.Type == b.Type &&
		a.Description == b.Description && slices.Equal(a.SourceChunkIDs, b.SourceChunkIDs)
}

func relationshipEqual(a, b common.Relationship) bool {
	sameConfidence := (a.Confidence == nil) == (b.Confidence == nil) &&
		(a.Confidence == nil || *a.Confidence == *b.Confidence)
	return a.ID == b.ID && a.SourceEntityID == b.SourceEntityID && a.TargetEntityID == b.TargetEntityID &&
		a.Label == b.Label && a.Description == b.Description && a.Weight == b.Weight &&
		a.Reflexive == b.Reflexive && sameConfidence && slices.Equal(a.SourceChunkIDs, b.SourceChunkIDs) &&
		maps.Equal(store.Contributions(a), store.Contributions(b))
}
