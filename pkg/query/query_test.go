package query

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store/memory"
)

const scope = "g1"

type fakeRetriever struct {
	results []common.SearchResult
	err     error
}

func (f fakeRetriever) Search(context.Context, string, string, int) ([]common.SearchResult, error) {
	return f.results, f.err
}

type recordingGenerator struct {
	role   ai.Role
	prompt string
}

func (g *recordingGenerator) Generate(_ context.Context, role ai.Role, prompt string, _ ai.GenerateConfig) (string, error) {
	g.role = role
	g.prompt = prompt
	return "  Alice works at Acme [[c1]].\n", nil
}

func seed(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	if err := st.SaveChunks(ctx, scope, []common.Chunk{
		{ID: "c1", DocumentID: "d1", Text: "Alice works at Acme."},
		{ID: "c2", DocumentID: "d1", Text: "Bob lives in Springfield."},
	}); err != nil {
		t.Fatal(err)
	}
	delta := store.GraphDelta{Entities: []common.Entity{
		{ID: "acme", Name: "ACME", Type: "ORGANIZATION", Description: "Builds rockets", SourceChunkIDs: []string{"c1"}},
		{ID: "alice", Name: "ALICE", Type: "PERSON", Description: "An engineer", SourceChunkIDs: []string{"c1"}},
	}}
	if _, err := st.MergeGraph(ctx, scope, delta, store.MergeOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := st.ReplaceCommunities(ctx, scope, []common.Community{
		{ID: "k1", Level: 0, EntityIDs: []string{"acme", "alice"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveCommunityReports(ctx, scope, []common.CommunityReport{
		{CommunityID: "k1", Title: "Team Acme", Summary: "Alice is an engineer at Acme."},
	}); err != nil {
		t.Fatal(err)
	}
	return st
}

func rankedResults() []common.SearchResult {
	return []common.SearchResult{
		{ID: "c1", Kind: common.ResultKindChunk, Score: 0.05},
		{ID: "acme", Kind: common.ResultKindEntity, Score: 0.04},
		{ID: "k1", Kind: common.ResultKindCommunity, Score: 0.03},
		{ID: "gone", Kind: common.ResultKindEntity, Score: 0.02},
	}
}

func TestAnswer_BuildsContextFromResults(t *testing.T) {
	gen := &recordingGenerator{}
	trace := NewQueryTrace()
	a := NewAnswerer(seed(t), fakeRetriever{results: rankedResults()}, gen, DefaultConfig()).WithTracer(trace)

	ans, err := a.Answer(context.Background(), scope, "Where does Alice work?")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if ans.Text != "Alice works at Acme [[c1]]." || ans.NoData {
		t.Fatalf("unexpected answer %+v", ans)
	}
	if gen.role != ai.RoleSearch {
		t.Fatalf("role = %s, want %s", gen.role, ai.RoleSearch)
	}
	data := promptData(t, gen.prompt)
	for _, want := range []string{
		"Sources:\n[[c1]] Alice works at Acme.",
		"Entities:\nACME (ORGANIZATION): Builds rockets [[c1]]",
		"Community Reports:\nTeam Acme: Alice is an engineer at Acme.",
	} {
		if !strings.Contains(data, want) {
			t.Errorf("data section is missing %q", want)
		}
	}
	if !strings.Contains(gen.prompt, "Question: Where does Alice work?") {
		t.Error("prompt is missing the question")
	}
	if strings.Contains(gen.prompt, "Bob") {
		t.Error("prompt contains a chunk that was not retrieved")
	}
	if !reflect.DeepEqual(ans.Sources, []string{"c1"}) {
		t.Fatalf("sources = %v", ans.Sources)
	}

	snap := trace.Snapshot()
	want := QueryTraceSnapshot{
		ConsideredSourceIDs: []string{"c1"},
		UsedSourceIDs:       []string{"c1"},
		QueriedEntityIDs:    []string{"acme", "gone"},
		QueriedCommunityIDs: []string{"k1"},
	}
	if !reflect.DeepEqual(snap, want) {
		t.Fatalf("trace = %+v, want %+v", snap, want)
	}
}

func TestAnswer_NoData(t *testing.T) {
	gen := &recordingGenerator{}
	a := NewAnswerer(seed(t), fakeRetriever{}, gen, DefaultConfig())

	ans, err := a.Answer(context.Background(), scope, "What is the capital of Mars?")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if !ans.NoData || len(ans.Sources) != 0 {
		t.Fatalf("unexpected answer %+v", ans)
	}
	if !strings.Contains(gen.prompt, "no relevant information was found") || !strings.Contains(gen.prompt, "capital of Mars") {
		t.Fatalf("unexpected prompt %q", gen.prompt)
	}
}

// promptData returns the rendered data section of a query prompt.
func promptData(t *testing.T, prompt string) string {
	t.Helper()
	_, rest, ok := strings.Cut(prompt, "## Data\n")
	if !ok {
		t.Fatalf("prompt has no data section:\n%s", prompt)
	}
	data, _, ok := strings.Cut(rest, "\n# Detailed Task Description")
	if !ok {
		t.Fatalf("prompt data section is not terminated:\n%s", prompt)
	}
	return strings.TrimSpace(data)
}

func TestAnswer_ContextBudget(t *testing.T) {
	gen := &recordingGenerator{}
	cfg := DefaultConfig()
	cfg.MaxContextLength = 30
	a := NewAnswerer(seed(t), fakeRetriever{results: rankedResults()}, gen, cfg)

	if _, err := a.Answer(context.Background(), scope, "Where does Alice work?"); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	data := promptData(t, gen.prompt)
	if want := "Sources:\n[[c1]] Alice works at Acme."; data != want {
		t.Fatalf("data section = %q, want %q", data, want)
	}
}

func TestAnswer_Errors(t *testing.T) {
	gen := &recordingGenerator{}
	a := NewAnswerer(seed(t), fakeRetriever{err: errors.New("no signal")}, gen, DefaultConfig())

	if _, err := a.Answer(context.Background(), scope, "  "); err == nil {
		t.Fatal("expected error for empty question")
	}
	if _, err := a.Answer(context.Background(), scope, "Alice?"); err == nil || !strings.Contains(err.Error(), "failed to search graph") {
		t.Fatalf("unexpected error %v", err)
	}
	if gen.prompt != "" {
		t.Fatal("generator must not be called")
	}
}

func TestMultiTracer(t *testing.T) {
	a, b := NewQueryTrace(), NewQueryTrace()
	MultiTracer{a, nil, b}.Record(TraceEvent{Kind: TraceEventUsedSourceIDs, IDs: []string{"c2", "", "c1", "c2"}})

	for _, tr := range []*QueryTrace{a, b} {
		if got := tr.Snapshot().UsedSourceIDs; !reflect.DeepEqual(got, []string{"c1", "c2"}) {
			t.Fatalf("UsedSourceIDs = %v", got)
		}
	}
	var nilTrace *QueryTrace
	nilTrace.Record(TraceEvent{Kind: TraceEventUsedSourceIDs, IDs: []string{"c1"}})
	if !reflect.DeepEqual(nilTrace.Snapshot(), QueryTraceSnapshot{}) {
		t.Fatal("nil trace must stay empty")
	}
}
