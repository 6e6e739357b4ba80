package memory

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"
)

const scope = "g1"

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.SaveChunks(ctx, scope, []common.Chunk{
		{ID: "c1", DocumentID: "d1", Text: "Alice works at Acme."},
		{ID: "c2", DocumentID: "d1", Text: "Acme builds rockets."},
	}); err != nil {
		t.Fatal(err)
	}
	delta := store.GraphDelta{
		Entities: []common.Entity{
			{ID: "alice", Name: "ALICE", Type: "PERSON", Description: "An engineer", SourceChunkIDs: []string{"c1"}},
			{ID: "acme", Name: "ACME", Type: "ORGANIZATION", Description: "A company", SourceChunkIDs: []string{"c1"}},
		},
		Relationships: []common.Relationship{
			{ID: "r1", SourceEntityID: "alice", TargetEntityID: "acme", Label: "WORKS_AT", Weight: 1, SourceChunkIDs: []string{"c1"}},
		},
	}
	if _, err := s.MergeGraph(ctx, scope, delta, store.MergeOptions{}); err != nil {
		t.Fatal(err)
	}
}

func TestMergeGraph_Idempotent(t *testing.T) {
	s := New()
	seed(t, s)
	before, _ := s.LoadGraph(context.Background(), scope)

	delta := store.GraphDelta{
		Entities:      before.Entities,
		Relationships: before.Relationships,
	}
	stats, err := s.MergeGraph(context.Background(), scope, delta, store.MergeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Changed() != 0 {
		t.Fatalf("re-merge changed records: %+v", stats)
	}
	after, _ := s.LoadGraph(context.Background(), scope)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("graph changed on re-merge:\n%+v\n%+v", before, after)
	}
}

func TestMergeGraph_SumsWeightsFromNewChunks(t *testing.T) {
	s := New()
	seed(t, s)

	stats, err := s.MergeGraph(context.Background(), scope, store.GraphDelta{
		Relationships: []common.Relationship{
			{ID: "r1", SourceEntityID: "alice", TargetEntityID: "acme", Label: "WORKS_AT", Weight: 2, Description: "since 2020", SourceChunkIDs: []string{"c2"}},
		},
	}, store.MergeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.RelationshipsMerged != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	rels, _ := s.GetRelationships(context.Background(), scope, []string{"r1"})
	if rels[0].Weight != 3 || !reflect.DeepEqual(rels[0].SourceChunkIDs, []string{"c1", "c2"}) {
		t.Fatalf("unexpected relationship %+v", rels[0])
	}
}

func TestMergeGraph_SumsContributionsFromKnownChunks(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	delta := store.GraphDelta{
		Relationships: []common.Relationship{
			{ID: "r1", SourceEntityID: "alice", TargetEntityID: "acme", Label: "WORKS_AT", Weight: 2, SourceChunkIDs: []string{"c1"},
				Contributions: map[string]float64{"grp#1": 2}},
		},
	}
	for range 2 {
		if _, err := s.MergeGraph(ctx, scope, delta, store.MergeOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	rels, _ := s.GetRelationships(ctx, scope, []string{"r1"})
	if rels[0].Weight != 3 {
		t.Fatalf("weight = %v, want 3", rels[0].Weight)
	}
	if len(rels[0].Contributions) != 2 {
		t.Fatalf("contributions = %v", rels[0].Contributions)
	}
}

func TestMergeGraph_RejectsDanglingRelationship(t *testing.T) {
	s := New()
	seed(t, s)
	before, _ := s.LoadGraph(context.Background(), scope)

	_, err := s.MergeGraph(context.Background(), scope, store.GraphDelta{
		Entities:      []common.Entity{{ID: "bob", Name: "BOB", Type: "PERSON", SourceChunkIDs: []string{"c2"}}},
		Relationships: []common.Relationship{{ID: "r2", SourceEntityID: "bob", TargetEntityID: "ghost", Label: "KNOWS"}},
	}, store.MergeOptions{})
	if !errors.Is(err, store.ErrGraphIntegrityViolation) {
		t.Fatalf("expected integrity violation, got %v", err)
	}
	after, _ := s.LoadGraph(context.Background(), scope)
	if !reflect.DeepEqual(before, after) {
		t.Fatal("failed merge must leave the scope unchanged")
	}
}

func TestApplyMerge_IsAtomic(t *testing.T) {
	s := New()
	seed(t, s)
	before, _ := s.LoadGraph(context.Background(), scope)

	err := s.ApplyMerge(context.Background(), scope, store.MergePlan{DeleteEntityIDs: []string{"acme"}})
	if !errors.Is(err, store.ErrGraphIntegrityViolation) {
		t.Fatalf("expected integrity violation, got %v", err)
	}
	after, _ := s.LoadGraph(context.Background(), scope)
	if !reflect.DeepEqual(before, after) {
		t.Fatal("rejected plan must leave the scope unchanged")
	}

	err = s.ApplyMerge(context.Background(), scope, store.MergePlan{
		DeleteEntityIDs:       []string{"acme"},
		DeleteRelationshipIDs: []string{"r1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	g, _ := s.LoadGraph(context.Background(), scope)
	if len(g.Entities) != 1 || len(g.Relationships) != 0 {
		t.Fatalf("unexpected graph %+v", g)
	}
}

func TestDeleteEntities_Cascades(t *testing.T) {
	s := New()
	seed(t, s)
	if err := s.DeleteEntities(context.Background(), scope, []string{"alice"}); err != nil {
		t.Fatal(err)
	}
	rels, _ := s.GetRelationships(context.Background(), scope, nil)
	if len(rels) != 0 {
		t.Fatalf("relationships left: %+v", rels)
	}
}

func TestReplaceCommunities_DropsReports(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	first := []common.Community{{ID: "k1", Level: 0, EntityIDs: []string{"acme", "alice"}}}
	if err := s.ReplaceCommunities(ctx, scope, first); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCommunityReports(ctx, scope, []common.CommunityReport{{CommunityID: "k1", Title: "Acme"}}); err != nil {
		t.Fatal(err)
	}

	second := []common.Community{
		{ID: "k2", Level: 0, EntityIDs: []string{"alice"}},
		{ID: "k3", Level: 0, EntityIDs: []string{"acme"}},
	}
	if err := s.ReplaceCommunities(ctx, scope, second); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetCommunities(ctx, scope)
	if len(got) != 2 || got[0].ID != "k2" {
		t.Fatalf("communities = %+v", got)
	}
	reports, _ := s.GetCommunityReports(ctx, scope, nil)
	if len(reports) != 0 {
		t.Fatalf("stale reports survived: %+v", reports)
	}

	if err := s.SaveCommunityReports(ctx, scope, []common.CommunityReport{{CommunityID: "k1"}}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a replaced community, got %v", err)
	}
	bad := []common.Community{{ID: "k4", Level: 0, EntityIDs: []string{"nobody"}}}
	if err := s.ReplaceCommunities(ctx, scope, bad); !errors.Is(err, store.ErrGraphIntegrityViolation) {
		t.Fatalf("expected integrity violation, got %v", err)
	}
}

func TestSearchVector(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	_ = s.SetChunkEmbeddings(ctx, scope, map[string][]float32{"c1": {1, 0}, "c2": {0, 1}})
	_ = s.SetEntityEmbeddings(ctx, scope, map[string][]float32{"alice": {0.9, 0.1}})

	hits, err := s.SearchVector(ctx, scope, []float32{1, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].ID != "c1" || hits[1].ID != "alice" {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[1].Kind != common.ResultKindEntity {
		t.Fatalf("kind = %s", hits[1].Kind)
	}

	if err := s.SetChunkEmbeddings(ctx, scope, map[string][]float32{"missing": {1}}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSearchKeyword(t *testing.T) {
	s := New()
	seed(t, s)

	hits, err := s.SearchKeyword(context.Background(), scope, "rockets", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "c2" {
		t.Fatalf("hits = %+v", hits)
	}

	hits, _ = s.SearchKeyword(context.Background(), scope, "acme", 10)
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	if !reflect.DeepEqual(ids, []string{"acme", "c1", "c2"}) {
		t.Fatalf("ids = %v", ids)
	}
}

func TestNeighborhoodQueries(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	ents, _ := s.EntitiesForChunks(ctx, scope, []string{"c1"})
	if !reflect.DeepEqual(ents, []string{"acme", "alice"}) {
		t.Fatalf("entities = %v", ents)
	}
	rels, _ := s.RelationshipsForEntities(ctx, scope, []string{"acme"})
	if len(rels) != 1 || rels[0].ID != "r1" {
		t.Fatalf("relationships = %+v", rels)
	}

	_ = s.ReplaceCommunities(ctx, scope, []common.Community{
		{ID: "top", Level: 1, EntityIDs: []string{"acme", "alice"}},
		{ID: "low", Level: 0, EntityIDs: []string{"acme", "alice"}},
	})
	comms, _ := s.CommunitiesForEntities(ctx, scope, []string{"alice"})
	if len(comms) != 2 || comms[0].ID != "low" {
		t.Fatalf("communities = %+v", comms)
	}
}

func TestDocumentStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.GetDocumentStatus(ctx, scope, "d1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetDocumentStatus(ctx, common.DocumentStatus{GraphID: scope, DocumentID: "d1", Status: common.DocumentStatusExtracted}); err != nil {
		t.Fatal(err)
	}
	st, err := s.GetDocumentStatus(ctx, scope, "d1")
	if err != nil || st.Status != common.DocumentStatusExtracted || st.UpdatedAt.IsZero() {
		t.Fatalf("status = %+v, err = %v", st, err)
	}
}
