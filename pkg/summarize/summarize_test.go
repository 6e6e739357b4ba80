package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store/memory"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const scope = "g1"

const acmeReport = `{
  "title": "Acme and Alice",
  "summary": "Alice works at Acme.",
  "rating": 12,
  "rating_explanation": "Central employer.",
  "findings": ["Alice is employed by Acme.", "  "]
}`

type fakeGenerator struct {
	respond func(prompt string) (string, error)
}

func (f *fakeGenerator) Generate(_ context.Context, role ai.Role, prompt string, cfg ai.GenerateConfig) (string, error) {
	if role != ai.RoleEnrichment {
		return "", fmt.Errorf("unexpected role %s", role)
	}
	if cfg.ResponseFormat == nil {
		return "", fmt.Errorf("missing response format")
	}
	return f.respond(prompt)
}

func seed(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New()
	delta := store.GraphDelta{
		Entities: []common.Entity{
			{ID: "alice", Name: "ALICE", Type: "PERSON", Description: "An engineer", SourceChunkIDs: []string{"c1"}},
			{ID: "acme", Name: "ACME", Type: "ORGANIZATION", Description: "A company", SourceChunkIDs: []string{"c1"}},
			{ID: "bob", Name: "BOB", Type: "PERSON", Description: "A broken record", SourceChunkIDs: []string{"c2"}},
			{ID: "carol", Name: "CAROL", Type: "PERSON", Description: "Unreachable", SourceChunkIDs: []string{"c3"}},
		},
		Relationships: []common.Relationship{
			{ID: "r1", SourceEntityID: "alice", TargetEntityID: "acme", Label: "WORKS_AT", Weight: 1, SourceChunkIDs: []string{"c1"}},
		},
	}
	if _, err := st.MergeGraph(context.Background(), scope, delta, store.MergeOptions{}); err != nil {
		t.Fatal(err)
	}
	communities := []common.Community{
		{ID: "k-acme", Level: 0, EntityIDs: []string{"acme", "alice"}},
		{ID: "k-bob", Level: 0, EntityIDs: []string{"bob"}},
		{ID: "k-carol", Level: 0, EntityIDs: []string{"carol"}},
		{ID: "k-empty", Level: 0},
	}
	if err := st.ReplaceCommunities(context.Background(), scope, communities); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestSummarize_IsolatesFailures(t *testing.T) {
	st := seed(t)
	ctx := context.Background()
	gen := &fakeGenerator{respond: func(prompt string) (string, error) {
		switch {
		case strings.Contains(prompt, "BOB"):
			return "[1, 2, 3]", nil
		case strings.Contains(prompt, "CAROL"):
			return "", ai.ErrProviderUnavailable
		default:
			return acmeReport, nil
		}
	}}

	communities, _ := st.GetCommunities(ctx, scope)
	summary := common.NewRunSummary("run1")
	if err := New(st, gen, DefaultConfig()).Summarize(ctx, scope, communities, summary); err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}

	res := summary.Stage(common.StageSummarization)
	if res.Succeeded != 1 || res.Failed != 2 || res.Skipped != 1 {
		t.Fatalf("stage result = %+v", res)
	}
	kinds := map[string]string{}
	for _, f := range res.Failures {
		kinds[f.Unit] = f.Kind
	}
	if kinds["k-bob"] != common.FailureMalformedOutput || kinds["k-carol"] != common.FailureProviderUnavailable {
		t.Fatalf("failure kinds = %v", kinds)
	}

	reports, err := st.GetCommunityReports(ctx, scope, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected only the acme report, got %+v", reports)
	}
	r := reports[0]
	if r.CommunityID != "k-acme" || r.Title != "Acme and Alice" || r.Rating != 10 {
		t.Fatalf("unexpected report %+v", r)
	}
	if len(r.Findings) != 1 || r.Findings[0] != "Alice is employed by Acme." {
		t.Fatalf("findings = %q", r.Findings)
	}
}

func TestSummarize_Cancelled(t *testing.T) {
	st := seed(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	communities, _ := st.GetCommunities(context.Background(), scope)
	gen := &fakeGenerator{respond: func(string) (string, error) { return acmeReport, nil }}
	err := New(st, gen, DefaultConfig()).Summarize(ctx, scope, communities, common.NewRunSummary("run1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReport_PromptUsesMembersOnly(t *testing.T) {
	st := seed(t)
	var got string
	gen := &fakeGenerator{respond: func(prompt string) (string, error) {
		got = prompt
		return acmeReport, nil
	}}

	c := common.Community{ID: "k-acme", EntityIDs: []string{"acme", "alice"}}
	if _, err := New(st, gen, DefaultConfig()).Report(context.Background(), scope, c); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"- ACME (ORGANIZATION): A company", "- ALICE -[WORKS_AT]-> ACME (weight 1.00)"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt is missing %q", want)
		}
	}
	if strings.Contains(got, "BOB") {
		t.Error("prompt contains an entity outside the community")
	}
}

func TestBuildInput_Truncation(t *testing.T) {
	entities := []common.Entity{
		{ID: "b", Name: "B", Type: "PERSON", Description: "y"},
		{ID: "a", Name: "A", Type: "PERSON", Description: "x"},
	}
	rels := []common.Relationship{
		{ID: "r-light", SourceEntityID: "a", TargetEntityID: "b", Label: "LIKES", Weight: 1, Description: "l"},
		{ID: "r-heavy", SourceEntityID: "a", TargetEntityID: "b", Label: "KNOWS", Weight: 5, Description: "h"},
		{ID: "r-out", SourceEntityID: "a", TargetEntityID: "z", Label: "KNOWS", Weight: 9, Description: "o"},
	}
	const entityText = "- A (PERSON): x\n- B (PERSON): y"
	const heavy = "- A -[KNOWS]-> B (weight 5.00): h"
	const light = "- A -[LIKES]-> B (weight 1.00): l"

	tests := []struct {
		name         string
		limit        int
		wantEntities string
		wantRels     string
	}{
		{"no limit", 0, entityText, heavy + "\n" + light},
		{"fits", 200, entityText, heavy + "\n" + light},
		{"drops lowest weight first", 70, entityText, heavy},
		{"cuts entities last", 20, entityText[:20], ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, r := buildInput(entities, rels, tt.limit)
			if e != tt.wantEntities || r != tt.wantRels {
				t.Fatalf("buildInput() = %q, %q; want %q, %q", e, r, tt.wantEntities, tt.wantRels)
			}
		})
	}
}
