package graph

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"
)

// PipelineConfig holds the extraction and deduplication settings of a
// pipeline run.
type PipelineConfig struct {
	EntityTypes               []string `mapstructure:"entity_types"`
	RelationTypes             []string `mapstructure:"relation_types"`
	FragmentMergeCount        int      `mapstructure:"fragment_merge_count" validate:"gte=1"`
	MaxKnowledgeRelationships int      `mapstructure:"max_knowledge_relationships" validate:"gte=0"`
	MaxDescriptionInputLength int      `mapstructure:"max_description_input_length" validate:"gte=0"`
	// MaxDescriptionLength caps descriptions built by merges.
	MaxDescriptionLength     int     `mapstructure:"max_description_length" validate:"gte=0"`
	AutomaticDeduplication   bool    `mapstructure:"automatic_deduplication"`
	DedupSimilarityThreshold float64 `mapstructure:"dedup_similarity_threshold" validate:"gte=0,lte=1"`

	ParallelDocuments int `mapstructure:"parallel_documents" validate:"gte=0"`
	ParallelGroups    int `mapstructure:"parallel_groups" validate:"gte=0"`

	Extraction ai.GenerateConfig `mapstructure:"extraction"`
}

// DefaultPipelineConfig returns the pipeline defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		FragmentMergeCount:        1,
		MaxKnowledgeRelationships: 100,
		MaxDescriptionInputLength: 2000,
		MaxDescriptionLength:      8000,
		AutomaticDeduplication:    true,
		DedupSimilarityThreshold:  DefaultSimilarityThreshold,
		ParallelDocuments:         2,
		ParallelGroups:            8,
		Extraction:                ai.DefaultGenerateConfig(),
	}
}

// Gateway is what the pipeline needs from the provider gateway.
type Gateway interface {
	Generator
	Embedder
}

// CommunityDetector rebuilds the communities of a scope.
type CommunityDetector interface {
	Run(ctx context.Context, graphID string) ([]common.Community, error)
}

// CommunitySummarizer writes the reports of the given communities and
// records per-community outcomes in summary.
type CommunitySummarizer interface {
	Summarize(ctx context.Context, graphID string, communities []common.Community, summary *common.RunSummary) error
}

// Pipeline builds and maintains the knowledge graph of a scope from chunks.
//
// A Pipeline should be created using NewPipeline.
type Pipeline struct {
	store      store.GraphStorage
	gateway    Gateway
	locker     leaselock.Locker
	clusterer  CommunityDetector
	summarizer CommunitySummarizer

	extractor *Extractor
	dedup     *Deduplicator
	cfg       PipelineConfig
}

// NewPipelineParams defines the collaborators of a Pipeline.
//
// Store and Gateway are required. Locker defaults to an in-process lock.
// Clusterer and Summarizer are optional; without them a run stops after
// embedding.
type NewPipelineParams struct {
	Store      store.GraphStorage
	Gateway    Gateway
	Locker     leaselock.Locker
	Clusterer  CommunityDetector
	Summarizer CommunitySummarizer
	Config     PipelineConfig
}

// NewPipeline creates a Pipeline from params.
//
// Example:
//
//	p, err := graph.NewPipeline(graph.NewPipelineParams{
//		Store:   memory.New(),
//		Gateway: gw,
//		Config:  graph.DefaultPipelineConfig(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	summary, err := p.Run(ctx, "graph-1", chunks)
func NewPipeline(params NewPipelineParams) (*Pipeline, error) {
	if params.Store == nil {
		return nil, errors.New("graph: store is required")
	}
	if params.Gateway == nil {
		return nil, errors.New("graph: gateway is required")
	}

	cfg := params.Config
	if cfg.FragmentMergeCount < 1 {
		cfg.FragmentMergeCount = 1
	}
	if cfg.ParallelDocuments <= 0 {
		cfg.ParallelDocuments = 1
	}
	if cfg.ParallelGroups <= 0 {
		cfg.ParallelGroups = 1
	}

	locker := params.Locker
	if locker == nil {
		locker = leaselock.NewLocal()
	}

	return &Pipeline{
		store:      params.Store,
		gateway:    params.Gateway,
		locker:     locker,
		clusterer:  params.Clusterer,
		summarizer: params.Summarizer,
		extractor: NewExtractor(params.Gateway, ExtractorConfig{
			EntityTypes:               cfg.EntityTypes,
			RelationTypes:             cfg.RelationTypes,
			MaxKnowledgeRelationships: cfg.MaxKnowledgeRelationships,
			MaxDescriptionInputLength: cfg.MaxDescriptionInputLength,
			Generation:                cfg.Extraction,
		}),
		dedup: NewDeduplicator(params.Gateway, DedupConfig{
			Enabled:             cfg.AutomaticDeduplication,
			SimilarityThreshold: cfg.DedupSimilarityThreshold,
			DescriptionLimit:    cfg.MaxDescriptionLength,
		}),
		cfg: cfg,
	}, nil
}
