package search

import (
	"cmp"
	"slices"

	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
)

// DefaultRRFK is the rank offset of reciprocal rank fusion.
const DefaultRRFK = 60.0

// Item is one entry of a ranking. Score is the raw score of the signal.
type Item struct {
	ID    string
	Kind  common.ResultKind
	Score float64
}

// Ranking is the ordered output of one signal, best first.
type Ranking struct {
	Signal string
	Items  []Item
}

type fused struct {
	result   common.SearchResult
	bestRank int
}

// Fuse merges rankings with reciprocal rank fusion. An item scores
// 1/(k+rank) for every ranking it appears in, with 1-based ranks. Results
// are ordered by fused score, then best individual rank, then id. A k <= 0
// means DefaultRRFK. Within one ranking a repeated id keeps its best rank.
func Fuse(rankings []Ranking, k float64) []common.SearchResult {
	if k <= 0 {
		k = DefaultRRFK
	}

	byID := make(map[string]*fused)
	for _, r := range rankings {
		seen := make(map[string]struct{}, len(r.Items))
		for i, item := range r.Items {
			if _, ok := seen[item.ID]; ok {
				continue
			}
			seen[item.ID] = struct{}{}
			rank := i + 1

			f, ok := byID[item.ID]
			if !ok {
				f = &fused{
					result: common.SearchResult{
						ID:           item.ID,
						Kind:         item.Kind,
						SourceScores: make(map[string]float64),
					},
					bestRank: rank,
				}
				byID[item.ID] = f
			}
			f.result.Score += 1 / (k + float64(rank))
			f.result.SourceScores[r.Signal] = item.Score
			f.bestRank = min(f.bestRank, rank)
		}
	}

	all := make([]*fused, 0, len(byID))
	for _, f := range byID {
		all = append(all, f)
	}
	slices.SortFunc(all, func(a, b *fused) int {
		return cmp.Or(
			cmp.Compare(b.result.Score, a.result.Score),
			cmp.Compare(a.bestRank, b.bestRank),
			cmp.Compare(a.result.ID, b.result.ID),
		)
	})

	out := make([]common.SearchResult, len(all))
	for i, f := range all {
		out[i] = f.result
	}
	return out
}
