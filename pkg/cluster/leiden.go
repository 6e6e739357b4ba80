package cluster

import (
	"cmp"
	"context"
	"math"
	"slices"

	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
)

const gainEpsilon = 1e-12

type edge struct {
	to int
	w  float64
}

// wgraph is an undirected weighted graph whose node order equals the order
// of the lowest entity id each node holds.
type wgraph struct {
	adj    [][]edge
	self   []float64
	degree []float64
	total  float64
}

func (g *wgraph) size() int { return len(g.adj) }

func newWGraph(n int, links []map[int]float64, self []float64) *wgraph {
	g := &wgraph{
		adj:    make([][]edge, n),
		self:   self,
		degree: make([]float64, n),
	}
	for i := range n {
		targets := make([]int, 0, len(links[i]))
		for to := range links[i] {
			targets = append(targets, to)
		}
		slices.Sort(targets)
		for _, to := range targets {
			g.adj[i] = append(g.adj[i], edge{to: to, w: links[i][to]})
			g.degree[i] += links[i][to]
		}
		g.degree[i] += 2 * self[i]
		g.total += g.degree[i]
	}
	return g
}

// buildGraph turns relationships into an undirected graph over ids (sorted).
// Parallel and opposite edges add up; non-positive weights carry no link.
func buildGraph(ids []string, relationships []common.Relationship) *wgraph {
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	rels := slices.Clone(relationships)
	slices.SortFunc(rels, func(a, b common.Relationship) int {
		return cmp.Or(
			cmp.Compare(a.ID, b.ID),
			cmp.Compare(a.SourceEntityID, b.SourceEntityID),
			cmp.Compare(a.TargetEntityID, b.TargetEntityID),
		)
	})

	links := make([]map[int]float64, len(ids))
	for i := range links {
		links[i] = make(map[int]float64)
	}
	self := make([]float64, len(ids))
	for _, r := range rels {
		s, okS := index[r.SourceEntityID]
		t, okT := index[r.TargetEntityID]
		if !okS || !okT || r.Weight <= 0 {
			continue
		}
		if s == t {
			self[s] += r.Weight
			continue
		}
		links[s][t] += r.Weight
		links[t][s] += r.Weight
	}
	return newWGraph(len(ids), links, self)
}

// modularity of part with resolution gamma.
func (g *wgraph) modularity(part []int, k int, gamma float64) float64 {
	if g.total == 0 {
		return 0
	}
	in := make([]float64, k)
	tot := make([]float64, k)
	for i := range g.size() {
		c := part[i]
		tot[c] += g.degree[i]
		in[c] += 2 * g.self[i]
		for _, e := range g.adj[i] {
			if part[e.to] == c {
				in[c] += e.w
			}
		}
	}
	q := 0.0
	for c := range k {
		q += in[c]/g.total - gamma*(tot[c]/g.total)*(tot[c]/g.total)
	}
	return q
}

// localMoving moves nodes in index order to the neighbouring community with
// the highest modularity gain until a full pass moves nothing. Equal gains
// go to the community holding the lowest node. Communities are named by
// any member index; the result is not normalized.
func (g *wgraph) localMoving(ctx context.Context, gamma float64, maxIterations int) ([]int, error) {
	n := g.size()
	comm := make([]int, n)
	tot := make([]float64, n)
	lowest := make([]int, n)
	for i := range n {
		comm[i] = i
		tot[i] = g.degree[i]
		lowest[i] = i
	}
	if g.total == 0 {
		return comm, nil
	}

	recomputeLowest := func(c, without int) {
		lowest[c] = n
		for j := range n {
			if j != without && comm[j] == c {
				lowest[c] = j
				return
			}
		}
	}

	for iter := 0; maxIterations <= 0 || iter < maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		moved := false
		for i := range n {
			ci := comm[i]
			weights := make(map[int]float64)
			var candidates []int
			for _, e := range g.adj[i] {
				c := comm[e.to]
				if _, ok := weights[c]; !ok {
					candidates = append(candidates, c)
				}
				weights[c] += e.w
			}

			tot[ci] -= g.degree[i]
			if lowest[ci] == i {
				recomputeLowest(ci, i)
			}

			ki := g.degree[i]
			best := ci
			bestGain := weights[ci] - gamma*tot[ci]*ki/g.total
			for _, c := range candidates {
				if c == ci {
					continue
				}
				gain := weights[c] - gamma*tot[c]*ki/g.total
				switch {
				case gain > bestGain+gainEpsilon:
					best, bestGain = c, gain
				case best != ci && math.Abs(gain-bestGain) <= gainEpsilon && lowest[c] < lowest[best]:
					best, bestGain = c, gain
				}
			}

			comm[i] = best
			tot[best] += ki
			if i < lowest[best] {
				lowest[best] = i
			}
			if best != ci {
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	return comm, nil
}

// refine splits every community into its connected components and numbers
// the results 0..k-1 in order of their lowest node.
func (g *wgraph) refine(comm []int) ([]int, int) {
	n := g.size()
	part := make([]int, n)
	for i := range part {
		part[i] = -1
	}
	k := 0
	queue := make([]int, 0, n)
	for start := range n {
		if part[start] >= 0 {
			continue
		}
		part[start] = k
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			for _, e := range g.adj[i] {
				if part[e.to] < 0 && comm[e.to] == comm[start] {
					part[e.to] = k
					queue = append(queue, e.to)
				}
			}
		}
		k++
	}
	return part, k
}

// aggregate collapses every community of part into one node. Internal
// edges become self-loops so the modularity of coarser levels is preserved.
func (g *wgraph) aggregate(part []int, k int) *wgraph {
	links := make([]map[int]float64, k)
	for i := range links {
		links[i] = make(map[int]float64)
	}
	self := make([]float64, k)
	for i := range g.size() {
		a := part[i]
		self[a] += g.self[i]
		for _, e := range g.adj[i] {
			b := part[e.to]
			if a == b {
				self[a] += e.w / 2
				continue
			}
			links[a][b] += e.w
		}
	}
	return newWGraph(k, links, self)
}

// LocalBackend runs the clustering in process.
type LocalBackend struct{}

var _ Backend = (*LocalBackend)(nil)

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{}
}

// Cluster builds the community hierarchy of g. Level 0 is the finest
// partition; every further level aggregates the previous one. The result
// depends only on the entity ids, relationships and params.
func (b *LocalBackend) Cluster(ctx context.Context, g common.Graph, params Params) (*Hierarchy, error) {
	params = params.withDefaults()

	ids := make([]string, 0, len(g.Entities))
	for _, e := range g.Entities {
		ids = append(ids, e.ID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	h := &Hierarchy{}
	if len(ids) == 0 {
		return h, nil
	}

	wg := buildGraph(ids, g.Relationships)
	assign := make([]int, len(ids))
	for i := range assign {
		assign[i] = i
	}

	for level := 0; level < params.MaxLevels; level++ {
		n := wg.size()
		singletons := make([]int, n)
		for i := range singletons {
			singletons[i] = i
		}
		before := wg.modularity(singletons, n, params.Resolution)

		moved, err := wg.localMoving(ctx, params.Resolution, params.MaxIterations)
		if err != nil {
			return nil, err
		}
		part, k := wg.refine(moved)
		after := wg.modularity(part, k, params.Resolution)

		if level > 0 && (k == n || after-before < params.MinModularityGain) {
			break
		}

		for orig := range assign {
			assign[orig] = part[assign[orig]]
		}
		h.Levels = append(h.Levels, newLevel(level, ids, assign, k))
		logger.Debug("[Cluster] Level built", "level", level, "communities", k, "modularity", after)

		if k == 1 || k == n {
			break
		}
		wg = wg.aggregate(part, k)
	}
	return h, nil
}

func newLevel(level int, ids []string, assign []int, k int) Level {
	communities := make([][]string, k)
	for orig, c := range assign {
		communities[c] = append(communities[c], ids[orig])
	}
	return Level{Level: level, Communities: communities}
}
