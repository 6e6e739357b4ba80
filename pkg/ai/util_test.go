package ai

import (
	"errors"
	"strings"
	"testing"
)

type testEntity struct {
	EntityName string `json:"entity_name"`
	EntityType string `json:"entity_type"`
}

type testRelationship struct {
	SourceEntity      string  `json:"source_entity"`
	TargetEntity      string  `json:"target_entity"`
	RelationshipLabel string  `json:"relationship_label"`
	Strength          float64 `json:"relationship_strength"`
}

type testExtraction struct {
	Entities      []testEntity       `json:"entities"`
	Relationships []testRelationship `json:"relationships"`
}

type testReport struct {
	Title    string   `json:"title"`
	Summary  string   `json:"summary"`
	Rating   float64  `json:"rating"`
	Findings []string `json:"findings"`
}

const extractionJSON = `{"entities":[{"entity_name":"ALICE","entity_type":"PERSON"},{"entity_name":"ACME","entity_type":"ORGANIZATION"}],` +
	`"relationships":[{"source_entity":"ALICE","target_entity":"ACME","relationship_label":"WORKS_AT","relationship_strength":0.9}]}`

func TestUnmarshalFlexible_Extraction(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "plain", input: extractionJSON},
		{name: "json fence", input: "```json\n" + extractionJSON + "\n```"},
		{name: "bare fence", input: "```\n" + extractionJSON + "\n```\n"},
		{name: "surrounding prose", input: "Here are the entities and relationships:\n" + extractionJSON + "\nLet me know if you need more."},
		{name: "stringified", input: `"` + strings.ReplaceAll(extractionJSON, `"`, `\"`) + `"`},
		{name: "duplicate leading brace", input: "{\n" + extractionJSON},
		{name: "trailing comma", input: strings.Replace(extractionJSON, `0.9}]}`, `0.9},]}`, 1)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got testExtraction
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if len(got.Entities) != 2 || got.Entities[1].EntityName != "ACME" {
				t.Fatalf("entities = %+v", got.Entities)
			}
			if len(got.Relationships) != 1 || got.Relationships[0].RelationshipLabel != "WORKS_AT" || got.Relationships[0].Strength != 0.9 {
				t.Fatalf("relationships = %+v", got.Relationships)
			}
		})
	}
}

func TestUnmarshalFlexible_TruncatedRelationships(t *testing.T) {
	input := `{"entities":[{"entity_name":"ALICE","entity_type":"PERSON"}],"relationships":[` +
		`{"source_entity":"ALICE","target_entity":"ACME","relationship_label":"WORKS_AT","relationship_strength":1},` +
		`{"source_entity":"ALICE","target_ent`

	var got testExtraction
	if err := UnmarshalFlexible(input, &got); err != nil {
		t.Fatalf("UnmarshalFlexible() error = %v", err)
	}
	if len(got.Entities) != 1 || got.Entities[0].EntityName != "ALICE" {
		t.Fatalf("entities = %+v", got.Entities)
	}
	if len(got.Relationships) == 0 || got.Relationships[0].RelationshipLabel != "WORKS_AT" {
		t.Fatalf("complete relationship lost: %+v", got.Relationships)
	}
}

func TestUnmarshalFlexible_Report(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "single quotes and unquoted keys", input: `{title: 'Acme', summary: 'Acme employs Alice.', rating: 7.5, findings: ['Alice works at Acme']}`},
		{name: "missing end bracket", input: `{"title":"Acme","summary":"Acme employs Alice.","rating":7.5,"findings":["Alice works at Acme"]`},
		{name: "json fence", input: "```json\n{\"title\":\"Acme\",\"summary\":\"Acme employs Alice.\",\"rating\":7.5,\"findings\":[\"Alice works at Acme\"]}\n```"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got testReport
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got.Title != "Acme" || got.Summary != "Acme employs Alice." || got.Rating != 7.5 {
				t.Fatalf("report = %+v", got)
			}
			if len(got.Findings) != 1 || got.Findings[0] != "Alice works at Acme" {
				t.Fatalf("findings = %v", got.Findings)
			}
		})
	}
}

func TestUnmarshalFlexible_Unrecoverable(t *testing.T) {
	for _, input := range []string{"", "   ", "hello", "I could not find any entities in this text."} {
		var got testReport
		err := UnmarshalFlexible(input, &got)
		if !errors.Is(err, ErrUnparsable) {
			t.Fatalf("UnmarshalFlexible(%q) error = %v, want ErrUnparsable", input, err)
		}
	}
}

func TestUnmarshalFlexible_ErrorQuotesExcerpt(t *testing.T) {
	input := strings.Repeat("no json here ", 500)

	var got testExtraction
	err := UnmarshalFlexible(input, &got)
	if !errors.Is(err, ErrUnparsable) {
		t.Fatalf("error = %v, want ErrUnparsable", err)
	}
	if len(err.Error()) > 4*maxErrorExcerpt {
		t.Fatalf("error quotes %d bytes of model output", len(err.Error()))
	}
	if !strings.Contains(err.Error(), "...") {
		t.Errorf("long output should be marked as cut: %v", err)
	}
}

func TestGenerateSchema(t *testing.T) {
	schema := GenerateSchema(&testReport{})
	if schema == nil {
		t.Fatal("GenerateSchema() returned nil")
	}
	if GenerateSchema(testReport{}) == nil {
		t.Fatal("GenerateSchema() returned nil for a value")
	}
}
