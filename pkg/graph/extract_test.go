package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
)

const aliceResponse = `{
  "entities": [
    {"entity_name": "Alice", "entity_type": "person", "entity_description": "Alice is an employee of Acme."},
    {"entity_name": "ACME", "entity_type": "ORGANIZATION", "entity_description": "Acme is an organization located in Springfield."},
    {"entity_name": "Springfield", "entity_type": "LOCATION", "entity_description": "Springfield is the location of Acme."}
  ],
  "relationships": [
    {"source_entity": "ALICE", "target_entity": "ACME", "relationship_label": "works at", "relationship_description": "Alice works at Acme.", "relationship_strength": 0.9, "confidence": 0.95},
    {"source_entity": "ACME", "target_entity": "SPRINGFIELD", "relationship_label": "LOCATED_IN", "relationship_description": "Acme is located in Springfield.", "relationship_strength": 0.8}
  ]
}`

func testGroup() ChunkGroup {
	return ChunkGroup{
		ID:         "grp",
		DocumentID: "doc1",
		Chunks: []common.Chunk{
			{ID: "c1", DocumentID: "doc1", Text: "Alice works at Acme.", Ordinal: 0},
			{ID: "c2", DocumentID: "doc1", Text: "Acme is in Springfield.", Ordinal: 1},
		},
	}
}

func mustExtract(t *testing.T, x *Extractor, group ChunkGroup) *Extraction {
	t.Helper()
	res, err := x.Extract(context.Background(), "g1", group)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	ex, ok := res.(*Extraction)
	if !ok {
		t.Fatalf("expected *Extraction, got %T", res)
	}
	return ex
}

func TestExtract_AliceAcmeSpringfield(t *testing.T) {
	x := NewExtractor(&fakeGateway{response: aliceResponse}, ExtractorConfig{})
	ex := mustExtract(t, x, testGroup())

	if len(ex.Entities) != 3 {
		t.Fatalf("expected 3 entities, got %d", len(ex.Entities))
	}
	names := map[string]string{}
	for _, e := range ex.Entities {
		names[e.Name] = e.Type
		if strings.Join(e.SourceChunkIDs, ",") != "c1,c2" {
			t.Errorf("entity %s: source chunks = %v", e.Name, e.SourceChunkIDs)
		}
	}
	if names["ALICE"] != "PERSON" || names["ACME"] != "ORGANIZATION" || names["SPRINGFIELD"] != "LOCATION" {
		t.Fatalf("unexpected entities %v", names)
	}

	if len(ex.Relationships) != 2 {
		t.Fatalf("expected 2 relationships, got %d", len(ex.Relationships))
	}
	works := ex.Relationships[0]
	if works.Label != "WORKS_AT" {
		t.Errorf("label = %q, want WORKS_AT", works.Label)
	}
	if works.SourceEntityID != EntityID("g1", "ALICE", "PERSON") || works.TargetEntityID != EntityID("g1", "ACME", "ORGANIZATION") {
		t.Errorf("unexpected endpoints %s -> %s", works.SourceEntityID, works.TargetEntityID)
	}
	if works.Confidence == nil || *works.Confidence != 0.95 {
		t.Errorf("confidence = %v", works.Confidence)
	}
	if ex.Relationships[1].Confidence != nil {
		t.Errorf("missing confidence should stay nil")
	}
}

func TestExtract_RepeatedRelationshipsKeepSeparateContributions(t *testing.T) {
	response := `{
  "entities": [
    {"entity_name": "Alice", "entity_type": "PERSON", "entity_description": "Alice."},
    {"entity_name": "Acme", "entity_type": "ORGANIZATION", "entity_description": "Acme."}
  ],
  "relationships": [
    {"source_entity": "ALICE", "target_entity": "ACME", "relationship_label": "WORKS_AT", "relationship_description": "Alice works at Acme.", "relationship_strength": 1},
    {"source_entity": "ALICE", "target_entity": "ACME", "relationship_label": "WORKS_AT", "relationship_description": "Alice is employed by Acme.", "relationship_strength": 2}
  ]
}`
	x := NewExtractor(&fakeGateway{response: response}, ExtractorConfig{})
	ex := mustExtract(t, x, testGroup())

	if len(ex.Relationships) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(ex.Relationships))
	}
	first, second := ex.Relationships[0], ex.Relationships[1]
	if first.Contributions[ContributionKey("grp", 0)] != 1 || second.Contributions[ContributionKey("grp", 1)] != 2 {
		t.Fatalf("unexpected contributions %v / %v", first.Contributions, second.Contributions)
	}

	d := NewDeduplicator(nil, DedupConfig{})
	res, err := d.Deduplicate(context.Background(), ex.Entities, ex.Relationships)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Relationships) != 1 || res.Relationships[0].Weight != 3 {
		t.Fatalf("expected one WORKS_AT with weight 3, got %+v", res.Relationships)
	}
}

func TestExtract_AllowListsDropRelationships(t *testing.T) {
	x := NewExtractor(&fakeGateway{response: aliceResponse}, ExtractorConfig{
		EntityTypes:   []string{"person", "organization"},
		RelationTypes: []string{"WORKS_AT", "LOCATED_IN"},
	})
	ex := mustExtract(t, x, testGroup())

	if len(ex.Entities) != 2 {
		t.Fatalf("expected SPRINGFIELD to be filtered, got %d entities", len(ex.Entities))
	}
	if len(ex.Relationships) != 1 || ex.Relationships[0].Label != "WORKS_AT" {
		t.Fatalf("relationship to a filtered entity must be dropped, got %+v", ex.Relationships)
	}
	if ex.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", ex.Dropped)
	}
}

func TestExtract_TruncatesDescriptions(t *testing.T) {
	x := NewExtractor(&fakeGateway{response: aliceResponse}, ExtractorConfig{MaxDescriptionInputLength: 10})
	ex := mustExtract(t, x, testGroup())

	for _, e := range ex.Entities {
		if n := utf8.RuneCountInString(e.Description); n > 10 {
			t.Errorf("entity %s description has %d runes", e.Name, n)
		}
	}
	for _, r := range ex.Relationships {
		if n := utf8.RuneCountInString(r.Description); n > 10 {
			t.Errorf("relationship %s description has %d runes", r.Label, n)
		}
	}
	if ex.Entities[0].Description != "Alice is a" {
		t.Errorf("description = %q", ex.Entities[0].Description)
	}
}

func TestExtract_MalformedOutput(t *testing.T) {
	x := NewExtractor(&fakeGateway{response: `[1, 2, 3]`}, ExtractorConfig{})
	res, err := x.Extract(context.Background(), "g1", testGroup())
	if err != nil {
		t.Fatalf("malformed output must not be an error, got %v", err)
	}
	pe, ok := res.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", res)
	}
	if !errors.Is(pe, ErrMalformedExtraction) {
		t.Fatalf("ParseError should match ErrMalformedExtraction")
	}
}

func TestExtract_ProviderError(t *testing.T) {
	boom := errors.New("boom")
	x := NewExtractor(&fakeGateway{err: boom}, ExtractorConfig{})
	res, err := x.Extract(context.Background(), "g1", testGroup())
	if !errors.Is(err, boom) || res != nil {
		t.Fatalf("expected provider error, got %v / %v", res, err)
	}
}

func TestCapRelationships(t *testing.T) {
	conf := func(v float64) *float64 { return &v }
	tests := []struct {
		name  string
		rels  []common.Relationship
		limit int
		want  []string
	}{
		{
			name:  "no cap",
			rels:  []common.Relationship{{ID: "a"}, {ID: "b"}},
			limit: 0,
			want:  []string{"a", "b"},
		},
		{
			name:  "arrival order without confidence",
			rels:  []common.Relationship{{ID: "a"}, {ID: "b"}, {ID: "c"}},
			limit: 2,
			want:  []string{"a", "b"},
		},
		{
			name: "lowest confidence dropped first",
			rels: []common.Relationship{
				{ID: "a", Confidence: conf(0.2)},
				{ID: "b", Confidence: conf(0.9)},
				{ID: "c"},
				{ID: "d", Confidence: conf(0.5)},
			},
			limit: 2,
			want:  []string{"b", "d"},
		},
		{
			name: "ties keep arrival order",
			rels: []common.Relationship{
				{ID: "a", Confidence: conf(0.5)},
				{ID: "b", Confidence: conf(0.5)},
				{ID: "c", Confidence: conf(0.5)},
			},
			limit: 2,
			want:  []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := capRelationships(tt.rels, tt.limit)
			ids := make([]string, len(got))
			for i, r := range got {
				ids[i] = r.ID
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("got %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestGroupChunks(t *testing.T) {
	chunks := []common.Chunk{
		{ID: "b2", DocumentID: "b", Ordinal: 1},
		{ID: "a3", DocumentID: "a", Ordinal: 2},
		{ID: "a1", DocumentID: "a", Ordinal: 0},
		{ID: "b1", DocumentID: "b", Ordinal: 0},
		{ID: "a2", DocumentID: "a", Ordinal: 1},
	}

	docs := GroupChunks(chunks, 2)
	if len(docs) != 2 || docs[0].DocumentID != "a" || docs[1].DocumentID != "b" {
		t.Fatalf("unexpected documents %+v", docs)
	}
	if len(docs[0].Groups) != 2 || len(docs[1].Groups) != 1 {
		t.Fatalf("unexpected group counts %d / %d", len(docs[0].Groups), len(docs[1].Groups))
	}
	if got := strings.Join(docs[0].Groups[0].ChunkIDs(), ","); got != "a1,a2" {
		t.Errorf("first group = %s", got)
	}
	if got := strings.Join(docs[0].Groups[1].ChunkIDs(), ","); got != "a3" {
		t.Errorf("second group = %s", got)
	}

	again := GroupChunks([]common.Chunk{chunks[4], chunks[3], chunks[2], chunks[1], chunks[0]}, 2)
	for i := range docs {
		for j := range docs[i].Groups {
			if docs[i].Groups[j].ID != again[i].Groups[j].ID {
				t.Fatalf("group ids depend on input order")
			}
		}
	}

	if got := GroupChunks(chunks, 0); len(got[0].Groups) != 3 {
		t.Errorf("fragmentMergeCount 0 should behave like 1")
	}
}
