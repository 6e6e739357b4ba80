package store

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
)

var (
	// ErrNotFound is returned when a record does not exist in the scope.
	ErrNotFound = errors.New("not found")
	// ErrGraphIntegrityViolation is returned when a write would leave a
	// relationship pointing at a missing entity. It signals a programming
	// error and aborts the run.
	ErrGraphIntegrityViolation = errors.New("graph integrity violation")
)

// Hit is one ranked result of a store query.
type Hit struct {
	ID    string            `json:"id"`
	Kind  common.ResultKind `json:"kind"`
	Score float64           `json:"score"`
}

// GraphDelta is a batch of deduplicated entities and relationships to merge
// into a scope.
type GraphDelta struct {
	Entities      []common.Entity
	Relationships []common.Relationship
}

// MergeOptions controls how records are combined with stored ones.
type MergeOptions struct {
	// DescriptionLimit caps merged descriptions in characters. 0 means no cap.
	DescriptionLimit int
}

// MergeStats reports what a MergeGraph call changed.
type MergeStats struct {
	EntitiesCreated      int `json:"entities_created"`
	EntitiesMerged       int `json:"entities_merged"`
	RelationshipsCreated int `json:"relationships_created"`
	RelationshipsMerged  int `json:"relationships_merged"`
	Unchanged            int `json:"unchanged"`

	// TouchedEntityIDs lists created or changed entities in sorted order.
	TouchedEntityIDs []string `json:"touched_entity_ids,omitempty"`
}

// Changed returns the number of records created or merged.
func (s MergeStats) Changed() int {
	return s.EntitiesCreated + s.EntitiesMerged + s.RelationshipsCreated + s.RelationshipsMerged
}

// MergePlan is the result of a scope-wide deduplication. Entities and
// Relationships replace the stored records with the same id; the listed ids
// are deleted. The plan is applied atomically.
type MergePlan struct {
	Entities              []common.Entity
	Relationships         []common.Relationship
	DeleteEntityIDs       []string
	DeleteRelationshipIDs []string
}

// Empty reports whether the plan changes nothing.
func (p MergePlan) Empty() bool {
	return len(p.Entities) == 0 && len(p.Relationships) == 0 &&
		len(p.DeleteEntityIDs) == 0 && len(p.DeleteRelationshipIDs) == 0
}

// IndexTarget names the table a vector index is built on.
type IndexTarget string

const (
	IndexChunks   IndexTarget = "chunks"
	IndexEntities IndexTarget = "entities"
)

// IndexMethod is the vector index algorithm.
type IndexMethod string

const (
	IndexHNSW    IndexMethod = "hnsw"
	IndexIVFFlat IndexMethod = "ivfflat"
)

// IndexMeasure is the distance used by a vector index and by SearchVector.
type IndexMeasure string

const (
	MeasureCosine       IndexMeasure = "cosine"
	MeasureL2           IndexMeasure = "l2"
	MeasureInnerProduct IndexMeasure = "ip"
)

// IndexOptions describes a vector index. Dimensions must match the
// embedding model; Postgres needs it to build the index.
type IndexOptions struct {
	Target     IndexTarget  `validate:"oneof=chunks entities"`
	Method     IndexMethod  `validate:"oneof=hnsw ivfflat"`
	Measure    IndexMeasure `validate:"oneof=cosine l2 ip"`
	Dimensions int          `validate:"gt=0"`
}

// GraphStorage persists graphs and answers the queries of the search layer.
// Every method is scoped by a graph id. Merges and replacements are atomic:
// a failed call leaves the scope unchanged.
type GraphStorage interface {
	SaveChunks(ctx context.Context, graphID string, chunks []common.Chunk) error
	GetChunks(ctx context.Context, graphID string, ids []string) ([]common.Chunk, error)
	SetChunkEmbeddings(ctx context.Context, graphID string, embeddings map[string][]float32) error

	GetEntities(ctx context.Context, graphID string, ids []string) ([]common.Entity, error)
	DeleteEntities(ctx context.Context, graphID string, ids []string) error
	SetEntityEmbeddings(ctx context.Context, graphID string, embeddings map[string][]float32) error

	GetRelationships(ctx context.Context, graphID string, ids []string) ([]common.Relationship, error)
	DeleteRelationships(ctx context.Context, graphID string, ids []string) error

	// LoadGraph returns every entity and relationship of the scope, sorted by id.
	LoadGraph(ctx context.Context, graphID string) (common.Graph, error)
	// MergeGraph merges delta into the scope. A record whose source chunks
	// are already recorded on the stored record is left unchanged, which
	// makes re-running a document a no-op.
	MergeGraph(ctx context.Context, graphID string, delta GraphDelta, opts MergeOptions) (MergeStats, error)
	ApplyMerge(ctx context.Context, graphID string, plan MergePlan) error
	DeleteGraph(ctx context.Context, graphID string) error

	GetCommunities(ctx context.Context, graphID string) ([]common.Community, error)
	// ReplaceCommunities swaps the whole community set of the scope and
	// drops every report of the previous set.
	ReplaceCommunities(ctx context.Context, graphID string, communities []common.Community) error

	SaveCommunityReports(ctx context.Context, graphID string, reports []common.CommunityReport) error
	GetCommunityReports(ctx context.Context, graphID string, communityIDs []string) ([]common.CommunityReport, error)
	DeleteCommunityReports(ctx context.Context, graphID string, communityIDs []string) error

	SetDocumentStatus(ctx context.Context, status common.DocumentStatus) error
	GetDocumentStatus(ctx context.Context, graphID string, documentID string) (common.DocumentStatus, error)

	// SearchVector ranks chunks and entities by similarity to vector.
	SearchVector(ctx context.Context, graphID string, vector []float32, topK int) ([]Hit, error)
	// SearchKeyword ranks chunks and entities by full-text match.
	SearchKeyword(ctx context.Context, graphID string, query string, topK int) ([]Hit, error)
	EntitiesForChunks(ctx context.Context, graphID string, chunkIDs []string) ([]string, error)
	RelationshipsForEntities(ctx context.Context, graphID string, entityIDs []string) ([]common.Relationship, error)
	CommunitiesForEntities(ctx context.Context, graphID string, entityIDs []string) ([]common.Community, error)

	CreateVectorIndex(ctx context.Context, opts IndexOptions) error
}
