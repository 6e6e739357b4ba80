package common

import "time"

// Chunk is a contiguous segment of document text with a stable identifier.
// Chunks are produced by the ingestion layer and are never mutated by the
// graph engine; they serve as the provenance for entities and relationships.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	Ordinal    int    `json:"ordinal"`
}

// Entity represents a node in the graph. An entity can be an organization,
// person, location, or any other relevant concept.
//
// Before deduplication the pair Name+Type is the natural key. After
// deduplication ID is canonical and SourceChunkIDs holds the union of the
// provenance of every merged mention.
type Entity struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Description    string   `json:"description"`
	SourceChunkIDs []string `json:"source_chunk_ids"`
}

// Relationship represents a directed, labeled edge between two entities.
//
// After deduplication no two relationships share the triple
// (SourceEntityID, TargetEntityID, Label).
type Relationship struct {
	ID             string   `json:"id"`
	SourceEntityID string   `json:"source_entity_id"`
	TargetEntityID string   `json:"target_entity_id"`
	Label          string   `json:"label"`
	Description    string   `json:"description"`
	Weight         float64  `json:"weight"`
	SourceChunkIDs []string `json:"source_chunk_ids"`

	// Confidence is the model-reported confidence, when available.
	Confidence *float64 `json:"confidence,omitempty"`
	// Reflexive marks a self-loop that the source text asserted.
	Reflexive bool `json:"reflexive,omitempty"`
	// Contributions maps each extracted assertion of the relationship to
	// the weight it added. Weight is their sum.
	Contributions map[string]float64 `json:"contributions,omitempty"`
}

// Key returns the merge key of the relationship.
func (r Relationship) Key() RelationshipKey {
	return RelationshipKey{Source: r.SourceEntityID, Target: r.TargetEntityID, Label: r.Label}
}

// RelationshipKey identifies the merge group of a relationship.
type RelationshipKey struct {
	Source string
	Target string
	Label  string
}

// Community is a cluster of entities at one level of the hierarchy.
// Level 0 holds the finest clusters, higher levels are coarser.
type Community struct {
	ID                string   `json:"id"`
	Level             int      `json:"level"`
	EntityIDs         []string `json:"entity_ids"`
	ParentCommunityID *string  `json:"parent_community_id,omitempty"`
}

// CommunityReport is the natural-language summary of one community.
type CommunityReport struct {
	CommunityID       string   `json:"community_id"`
	Level             int      `json:"level"`
	Title             string   `json:"title"`
	Summary           string   `json:"summary"`
	Rating            float64  `json:"rating"`
	RatingExplanation string   `json:"rating_explanation"`
	Findings          []string `json:"findings"`
}

// Graph is a snapshot of the entities and relationships of one scope.
type Graph struct {
	ID            string         `json:"id"`
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// ResultKind tells which record type a search result points to.
type ResultKind string

const (
	ResultKindChunk     ResultKind = "chunk"
	ResultKindEntity    ResultKind = "entity"
	ResultKindCommunity ResultKind = "community"
)

// SearchResult is one fused search hit. SourceScores holds the raw score of
// every signal the item appeared in.
type SearchResult struct {
	ID           string             `json:"id"`
	Kind         ResultKind         `json:"kind"`
	Score        float64            `json:"score"`
	SourceScores map[string]float64 `json:"source_scores"`
}

// DocumentStatus values track extraction progress per document.
const (
	DocumentStatusPending    = "pending"
	DocumentStatusExtracting = "extracting"
	DocumentStatusExtracted  = "extracted"
	DocumentStatusFailed     = "failed"
)

// DocumentStatus records the extraction state of one document in a graph.
type DocumentStatus struct {
	GraphID    string    `json:"graph_id"`
	DocumentID string    `json:"document_id"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
