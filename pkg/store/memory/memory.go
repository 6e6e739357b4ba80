// Package memory implements store.GraphStorage in process memory. It backs
// tests and single-process runs; all state is lost on exit.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"
)

type graphState struct {
	chunks        map[string]common.Chunk
	chunkEmb      map[string][]float32
	entities      map[string]common.Entity
	entityEmb     map[string][]float32
	relationships map[string]common.Relationship
	communities   map[string]common.Community
	reports       map[string]common.CommunityReport
	documents     map[string]common.DocumentStatus
}

func newGraphState() *graphState {
	return &graphState{
		chunks:        make(map[string]common.Chunk),
		chunkEmb:      make(map[string][]float32),
		entities:      make(map[string]common.Entity),
		entityEmb:     make(map[string][]float32),
		relationships: make(map[string]common.Relationship),
		communities:   make(map[string]common.Community),
		reports:       make(map[string]common.CommunityReport),
		documents:     make(map[string]common.DocumentStatus),
	}
}

// Store is an in-memory graph store. Every operation holds one mutex, so
// merges and replacements are atomic.
type Store struct {
	mu       sync.RWMutex
	graphs   map[string]*graphState
	measures map[store.IndexTarget]store.IndexMeasure
	now      func() time.Time
}

var _ store.GraphStorage = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		graphs:   make(map[string]*graphState),
		measures: make(map[store.IndexTarget]store.IndexMeasure),
		now:      time.Now,
	}
}

func (s *Store) graph(graphID string) *graphState {
	g, ok := s.graphs[graphID]
	if !ok {
		g = newGraphState()
		s.graphs[graphID] = g
	}
	return g
}

func (s *Store) readGraph(graphID string) *graphState {
	if g, ok := s.graphs[graphID]; ok {
		return g
	}
	return newGraphState()
}

func cloneEntity(e common.Entity) common.Entity {
	e.SourceChunkIDs = slices.Clone(e.SourceChunkIDs)
	return e
}

func cloneRelationship(r common.Relationship) common.Relationship {
	r.SourceChunkIDs = slices.Clone(r.SourceChunkIDs)
	r.Contributions = maps.Clone(r.Contributions)
	if r.Confidence != nil {
		c := *r.Confidence
		r.Confidence = &c
	}
	return r
}

func cloneCommunity(c common.Community) common.Community {
	c.EntityIDs = slices.Clone(c.EntityIDs)
	if c.ParentCommunityID != nil {
		p := *c.ParentCommunityID
		c.ParentCommunityID = &p
	}
	return c
}

func cloneReport(r common.CommunityReport) common.CommunityReport {
	r.Findings = slices.Clone(r.Findings)
	return r
}

func collect[T any](m map[string]T, ids []string, clone func(T) T) []T {
	if ids == nil {
		ids = store.SortedKeys(m)
	}
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if v, ok := m[id]; ok {
			out = append(out, clone(v))
		}
	}
	return out
}

func (s *Store) SaveChunks(ctx context.Context, graphID string, chunks []common.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graph(graphID)
	for _, c := range chunks {
		g.chunks[c.ID] = c
	}
	return nil
}

// GetChunks returns the chunks with the given ids; nil ids returns all.
func (s *Store) GetChunks(ctx context.Context, graphID string, ids []string) ([]common.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collect(s.readGraph(graphID).chunks, ids, func(c common.Chunk) common.Chunk { return c }), nil
}

func (s *Store) SetChunkEmbeddings(ctx context.Context, graphID string, embeddings map[string][]float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graph(graphID)
	for id, v := range embeddings {
		if _, ok := g.chunks[id]; !ok {
			return fmt.Errorf("chunk %s: %w", id, store.ErrNotFound)
		}
		g.chunkEmb[id] = slices.Clone(v)
	}
	return nil
}

// GetEntities returns the entities with the given ids; nil ids returns all.
func (s *Store) GetEntities(ctx context.Context, graphID string, ids []string) ([]common.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collect(s.readGraph(graphID).entities, ids, cloneEntity), nil
}

// DeleteEntities removes the entities and every relationship touching them.
func (s *Store) DeleteEntities(ctx context.Context, graphID string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graph(graphID)
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
		delete(g.entities, id)
		delete(g.entityEmb, id)
	}
	for id, r := range g.relationships {
		_, src := drop[r.SourceEntityID]
		_, tgt := drop[r.TargetEntityID]
		if src || tgt {
			delete(g.relationships, id)
		}
	}
	return nil
}

func (s *Store) SetEntityEmbeddings(ctx context.Context, graphID string, embeddings map[string][]float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graph(graphID)
	for id, v := range embeddings {
		if _, ok := g.entities[id]; !ok {
			return fmt.Errorf("entity %s: %w", id, store.ErrNotFound)
		}
		g.entityEmb[id] = slices.Clone(v)
	}
	return nil
}

// GetRelationships returns the relationships with the given ids; nil ids returns all.
func (s *Store) GetRelationships(ctx context.Context, graphID string, ids []string) ([]common.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collect(s.readGraph(graphID).relationships, ids, cloneRelationship), nil
}

func (s *Store) DeleteRelationships(ctx context.Context, graphID string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graph(graphID)
	for _, id := range ids {
		delete(g.relationships, id)
	}
	return nil
}

func (s *Store) LoadGraph(ctx context.Context, graphID string) (common.Graph, error) {
	if err := ctx.Err(); err != nil {
		return common.Graph{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.readGraph(graphID)
	return common.Graph{
		ID:            graphID,
		Entities:      collect(g.entities, nil, cloneEntity),
		Relationships: collect(g.relationships, nil, cloneRelationship),
	}, nil
}

func (s *Store) MergeGraph(ctx context.Context, graphID string, delta store.GraphDelta, opts store.MergeOptions) (store.MergeStats, error) {
	var stats store.MergeStats
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graph(graphID)

	known := make(map[string]struct{}, len(g.entities)+len(delta.Entities))
	for id := range g.entities {
		known[id] = struct{}{}
	}
	for _, e := range delta.Entities {
		known[e.ID] = struct{}{}
	}
	if err := store.CheckEndpoints(known, delta.Relationships); err != nil {
		return stats, err
	}

	touched := make(map[string]struct{})
	for _, e := range sortedEntities(delta.Entities) {
		existing, ok := g.entities[e.ID]
		if !ok {
			e = cloneEntity(e)
			e.SourceChunkIDs = util.SortedUnion(e.SourceChunkIDs)
			g.entities[e.ID] = e
			stats.EntitiesCreated++
			touched[e.ID] = struct{}{}
			continue
		}
		if store.MergeEntity(&existing, e, opts.DescriptionLimit) {
			g.entities[e.ID] = existing
			stats.EntitiesMerged++
			touched[e.ID] = struct{}{}
			continue
		}
		stats.Unchanged++
	}

	for _, r := range sortedRelationships(delta.Relationships) {
		existing, ok := g.relationships[r.ID]
		if !ok {
			r = cloneRelationship(r)
			r.SourceChunkIDs = util.SortedUnion(r.SourceChunkIDs)
			r.Contributions = maps.Clone(store.Contributions(r))
			r.Weight = store.ContributionWeight(r.Contributions)
			g.relationships[r.ID] = r
			stats.RelationshipsCreated++
			continue
		}
		if store.MergeRelationship(&existing, r, opts.DescriptionLimit) {
			g.relationships[r.ID] = existing
			stats.RelationshipsMerged++
			continue
		}
		stats.Unchanged++
	}

	stats.TouchedEntityIDs = store.SortedKeys(touched)
	return stats, nil
}

func (s *Store) ApplyMerge(ctx context.Context, graphID string, plan store.MergePlan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graph(graphID)

	entities := make(map[string]common.Entity, len(g.entities))
	for id, e := range g.entities {
		entities[id] = e
	}
	relationships := make(map[string]common.Relationship, len(g.relationships))
	for id, r := range g.relationships {
		relationships[id] = r
	}

	for _, id := range plan.DeleteRelationshipIDs {
		delete(relationships, id)
	}
	for _, id := range plan.DeleteEntityIDs {
		delete(entities, id)
	}
	for _, e := range plan.Entities {
		entities[e.ID] = cloneEntity(e)
	}
	for _, r := range plan.Relationships {
		relationships[r.ID] = cloneRelationship(r)
	}

	known := make(map[string]struct{}, len(entities))
	for id := range entities {
		known[id] = struct{}{}
	}
	all := make([]common.Relationship, 0, len(relationships))
	for _, id := range store.SortedKeys(relationships) {
		all = append(all, relationships[id])
	}
	if err := store.CheckEndpoints(known, all); err != nil {
		return err
	}

	g.entities = entities
	g.relationships = relationships
	for _, id := range plan.DeleteEntityIDs {
		delete(g.entityEmb, id)
	}
	return nil
}

func (s *Store) DeleteGraph(ctx context.Context, graphID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.graphs, graphID)
	return nil
}

// GetCommunities returns all communities ordered by level, then id.
func (s *Store) GetCommunities(ctx context.Context, graphID string) ([]common.Community, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := collect(s.readGraph(graphID).communities, nil, cloneCommunity)
	sortCommunities(out)
	return out, nil
}

func (s *Store) ReplaceCommunities(ctx context.Context, graphID string, communities []common.Community) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graph(graphID)

	next := make(map[string]common.Community, len(communities))
	for _, c := range communities {
		for _, e := range c.EntityIDs {
			if _, ok := g.entities[e]; !ok {
				return fmt.Errorf("%w: community %s references missing entity %s", store.ErrGraphIntegrityViolation, c.ID, e)
			}
		}
		next[c.ID] = cloneCommunity(c)
	}
	g.communities = next
	g.reports = make(map[string]common.CommunityReport)
	return nil
}

func (s *Store) SaveCommunityReports(ctx context.Context, graphID string, reports []common.CommunityReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graph(graphID)
	for _, r := range reports {
		if _, ok := g.communities[r.CommunityID]; !ok {
			return fmt.Errorf("community %s: %w", r.CommunityID, store.ErrNotFound)
		}
	}
	for _, r := range reports {
		g.reports[r.CommunityID] = cloneReport(r)
	}
	return nil
}

// GetCommunityReports returns the reports of the given communities; nil ids returns all.
func (s *Store) GetCommunityReports(ctx context.Context, graphID string, communityIDs []string) ([]common.CommunityReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collect(s.readGraph(graphID).reports, communityIDs, cloneReport), nil
}

func (s *Store) DeleteCommunityReports(ctx context.Context, graphID string, communityIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graph(graphID)
	for _, id := range communityIDs {
		delete(g.reports, id)
	}
	return nil
}

func (s *Store) SetDocumentStatus(ctx context.Context, status common.DocumentStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = s.now().UTC()
	}
	s.graph(status.GraphID).documents[status.DocumentID] = status
	return nil
}

func (s *Store) GetDocumentStatus(ctx context.Context, graphID string, documentID string) (common.DocumentStatus, error) {
	if err := ctx.Err(); err != nil {
		return common.DocumentStatus{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.readGraph(graphID).documents[documentID]
	if !ok {
		return common.DocumentStatus{}, fmt.Errorf("document %s: %w", documentID, store.ErrNotFound)
	}
	return st, nil
}

func (s *Store) SearchVector(ctx context.Context, graphID string, vector []float32, topK int) ([]store.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.readGraph(graphID)

	hits := make([]store.Hit, 0, len(g.chunkEmb)+len(g.entityEmb))
	chunkMeasure := s.measure(store.IndexChunks)
	for id, v := range g.chunkEmb {
		hits = append(hits, store.Hit{ID: id, Kind: common.ResultKindChunk, Score: score(chunkMeasure, vector, v)})
	}
	entityMeasure := s.measure(store.IndexEntities)
	for id, v := range g.entityEmb {
		hits = append(hits, store.Hit{ID: id, Kind: common.ResultKindEntity, Score: score(entityMeasure, vector, v)})
	}
	return topHits(hits, topK), nil
}

func (s *Store) SearchKeyword(ctx context.Context, graphID string, query string, topK int) ([]store.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.readGraph(graphID)

	hits := make([]store.Hit, 0)
	for id, c := range g.chunks {
		if sc := termScore(terms, c.Text); sc > 0 {
			hits = append(hits, store.Hit{ID: id, Kind: common.ResultKindChunk, Score: sc})
		}
	}
	for id, e := range g.entities {
		if sc := termScore(terms, e.Name+" "+e.Description); sc > 0 {
			hits = append(hits, store.Hit{ID: id, Kind: common.ResultKindEntity, Score: sc})
		}
	}
	return topHits(hits, topK), nil
}

func (s *Store) EntitiesForChunks(ctx context.Context, graphID string, chunkIDs []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		want[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for id, e := range s.readGraph(graphID).entities {
		for _, c := range e.SourceChunkIDs {
			if _, ok := want[c]; ok {
				out = append(out, id)
				break
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) RelationshipsForEntities(ctx context.Context, graphID string, entityIDs []string) ([]common.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		want[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Relationship, 0)
	for _, r := range s.readGraph(graphID).relationships {
		_, src := want[r.SourceEntityID]
		_, tgt := want[r.TargetEntityID]
		if src || tgt {
			out = append(out, cloneRelationship(r))
		}
	}
	slices.SortFunc(out, func(a, b common.Relationship) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) CommunitiesForEntities(ctx context.Context, graphID string, entityIDs []string) ([]common.Community, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		want[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Community, 0)
	for _, c := range s.readGraph(graphID).communities {
		for _, e := range c.EntityIDs {
			if _, ok := want[e]; ok {
				out = append(out, cloneCommunity(c))
				break
			}
		}
	}
	sortCommunities(out)
	return out, nil
}

// CreateVectorIndex records the measure SearchVector uses for the target.
func (s *Store) CreateVectorIndex(ctx context.Context, opts store.IndexOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.measures[opts.Target] = opts.Measure
	return nil
}

func (s *Store) measure(target store.IndexTarget) store.IndexMeasure {
	if m, ok := s.measures[target]; ok {
		return m
	}
	return store.MeasureCosine
}

func score(measure store.IndexMeasure, a, b []float32) float64 {
	switch measure {
	case store.MeasureL2:
		if len(a) != len(b) {
			return math.Inf(-1)
		}
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return -math.Sqrt(sum)
	case store.MeasureInnerProduct:
		if len(a) != len(b) {
			return math.Inf(-1)
		}
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return dot
	default:
		return ai.CosineSimilarity(a, b)
	}
}

func topHits(hits []store.Hit, topK int) []store.Hit {
	slices.SortFunc(hits, func(a, b store.Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	slices.Sort(fields)
	return slices.Compact(fields)
}

func termScore(terms []string, text string) float64 {
	words := tokenizeAll(text)
	var sc float64
	for _, w := range words {
		if _, ok := slices.BinarySearch(terms, w); ok {
			sc++
		}
	}
	return sc
}

func tokenizeAll(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func sortedEntities(in []common.Entity) []common.Entity {
	out := slices.Clone(in)
	slices.SortStableFunc(out, func(a, b common.Entity) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func sortedRelationships(in []common.Relationship) []common.Relationship {
	out := slices.Clone(in)
	slices.SortStableFunc(out, func(a, b common.Relationship) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func sortCommunities(cs []common.Community) {
	slices.SortFunc(cs, func(a, b common.Community) int {
		if c := cmp.Compare(a.Level, b.Level); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
