// Package search answers queries over a graph scope by fusing vector,
// keyword and graph-neighbourhood rankings.
package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"
)

// Signal names used in rankings and SearchResult.SourceScores.
const (
	SignalVector    = "vector"
	SignalKeyword   = "keyword"
	SignalGraph     = "graph"
	SignalCommunity = "community"
)

// ErrNoSignal is returned when every signal of a query failed.
var ErrNoSignal = errors.New("all search signals failed")

// Embedder embeds the query text.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Config tunes the searcher.
type Config struct {
	// RRFK is the rank offset of the fusion. 0 means DefaultRRFK.
	RRFK float64 `mapstructure:"rrf_k" validate:"gte=0"`
	// Candidates is how many hits each signal contributes before fusion.
	Candidates int `mapstructure:"candidates" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{RRFK: DefaultRRFK, Candidates: 50}
}

// Searcher runs hybrid queries against a store.
type Searcher struct {
	store    store.GraphStorage
	embedder Embedder
	cfg      Config
}

func NewSearcher(st store.GraphStorage, embedder Embedder, cfg Config) *Searcher {
	if cfg.Candidates <= 0 {
		cfg.Candidates = DefaultConfig().Candidates
	}
	return &Searcher{store: st, embedder: embedder, cfg: cfg}
}

// Search returns the topK fused results for query. The vector and keyword
// signals run concurrently; the graph signal expands their hits into
// neighbouring entities and communities. A failing signal is logged and left
// out of the fusion. topK <= 0 returns every fused result.
func (s *Searcher) Search(ctx context.Context, graphID, query string, topK int) ([]common.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search: empty query")
	}

	var (
		mu       sync.Mutex
		rankings []Ranking
		failures []error
	)
	record := func(signal string, r []Ranking, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			logger.Warn("[Search] Signal failed", "graph_id", graphID, "signal", signal, "err", err)
			failures = append(failures, fmt.Errorf("%s: %w", signal, err))
			return
		}
		rankings = append(rankings, r...)
	}

	// Signal failures are recorded, not returned, so one failing signal
	// never cancels the other.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r, err := s.vectorSignal(ctx, graphID, query)
		record(SignalVector, r, err)
	}()
	go func() {
		defer wg.Done()
		r, err := s.keywordSignal(ctx, graphID, query)
		record(SignalKeyword, r, err)
	}()
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seeds := slices.Clone(rankings)
	r, err := s.graphSignal(ctx, graphID, seeds)
	record(SignalGraph, r, err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(rankings) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoSignal, errors.Join(failures...))
	}

	// Fixed signal order keeps fused float sums identical between runs.
	order := map[string]int{SignalVector: 0, SignalKeyword: 1, SignalGraph: 2, SignalCommunity: 3}
	slices.SortFunc(rankings, func(a, b Ranking) int { return cmp.Compare(order[a.Signal], order[b.Signal]) })

	results := Fuse(rankings, s.cfg.RRFK)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	logger.Debug("[Search] Query answered", "graph_id", graphID, "signals", len(rankings), "results", len(results))
	return results, nil
}

func hitsToRanking(signal string, hits []store.Hit) Ranking {
	r := Ranking{Signal: signal, Items: make([]Item, len(hits))}
	for i, h := range hits {
		r.Items[i] = Item{ID: h.ID, Kind: h.Kind, Score: h.Score}
	}
	return r
}

func (s *Searcher) vectorSignal(ctx context.Context, graphID, query string) ([]Ranking, error) {
	if s.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	vec, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	hits, err := s.store.SearchVector(ctx, graphID, vec, s.cfg.Candidates)
	if err != nil {
		return nil, err
	}
	return []Ranking{hitsToRanking(SignalVector, hits)}, nil
}

func (s *Searcher) keywordSignal(ctx context.Context, graphID, query string) ([]Ranking, error) {
	hits, err := s.store.SearchKeyword(ctx, graphID, query, s.cfg.Candidates)
	if err != nil {
		return nil, err
	}
	return []Ranking{hitsToRanking(SignalKeyword, hits)}, nil
}

// graphSignal ranks the neighbours of the seed entities by summed
// relationship weight and the communities holding seeds by level, then by
// the number of seeds they hold. Seeds are the entity hits of the other
// signals plus the entities extracted from their chunk hits.
func (s *Searcher) graphSignal(ctx context.Context, graphID string, seedRankings []Ranking) ([]Ranking, error) {
	seedSet := make(map[string]struct{})
	var chunkIDs []string
	for _, r := range seedRankings {
		for _, item := range r.Items {
			switch item.Kind {
			case common.ResultKindEntity:
				seedSet[item.ID] = struct{}{}
			case common.ResultKindChunk:
				chunkIDs = append(chunkIDs, item.ID)
			}
		}
	}
	if len(chunkIDs) > 0 {
		slices.Sort(chunkIDs)
		ids, err := s.store.EntitiesForChunks(ctx, graphID, slices.Compact(chunkIDs))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve chunk entities: %w", err)
		}
		for _, id := range ids {
			seedSet[id] = struct{}{}
		}
	}
	if len(seedSet) == 0 {
		return nil, nil
	}
	seeds := make([]string, 0, len(seedSet))
	for id := range seedSet {
		seeds = append(seeds, id)
	}
	slices.Sort(seeds)

	rels, err := s.store.RelationshipsForEntities(ctx, graphID, seeds)
	if err != nil {
		return nil, fmt.Errorf("failed to load neighbourhood: %w", err)
	}
	weights := make(map[string]float64)
	for _, rel := range rels {
		for _, id := range []string{rel.SourceEntityID, rel.TargetEntityID} {
			if _, ok := seedSet[id]; !ok {
				weights[id] += rel.Weight
			}
		}
	}
	neighbours := Ranking{Signal: SignalGraph}
	for id, w := range weights {
		neighbours.Items = append(neighbours.Items, Item{ID: id, Kind: common.ResultKindEntity, Score: w})
	}
	slices.SortFunc(neighbours.Items, func(a, b Item) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), cmp.Compare(a.ID, b.ID))
	})
	neighbours.Items = headItems(neighbours.Items, s.cfg.Candidates)

	communities, err := s.store.CommunitiesForEntities(ctx, graphID, seeds)
	if err != nil {
		return nil, fmt.Errorf("failed to load communities: %w", err)
	}
	type ranked struct {
		c        common.Community
		coverage int
	}
	var cs []ranked
	for _, c := range communities {
		n := 0
		for _, id := range c.EntityIDs {
			if _, ok := seedSet[id]; ok {
				n++
			}
		}
		cs = append(cs, ranked{c: c, coverage: n})
	}
	slices.SortFunc(cs, func(a, b ranked) int {
		return cmp.Or(
			cmp.Compare(a.c.Level, b.c.Level),
			cmp.Compare(b.coverage, a.coverage),
			cmp.Compare(a.c.ID, b.c.ID),
		)
	})
	community := Ranking{Signal: SignalCommunity}
	for _, c := range headItems(cs, s.cfg.Candidates) {
		community.Items = append(community.Items, Item{ID: c.c.ID, Kind: common.ResultKindCommunity, Score: float64(c.coverage)})
	}

	var out []Ranking
	if len(neighbours.Items) > 0 {
		out = append(out, neighbours)
	}
	if len(community.Items) > 0 {
		out = append(out, community)
	}
	return out, nil
}

// headItems returns the first n items, or all of them when n <= 0.
func headItems[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
