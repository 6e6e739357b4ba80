// Package config loads the pipeline, gateway, clustering and search settings
// from a YAML file, FUSE_ environment overrides and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/ai/gateway"
	"github.com/OFFIS-RIT/fuse/backend/pkg/cluster"
	"github.com/OFFIS-RIT/fuse/backend/pkg/graph"
	"github.com/OFFIS-RIT/fuse/backend/pkg/query"
	"github.com/OFFIS-RIT/fuse/backend/pkg/search"
	"github.com/OFFIS-RIT/fuse/backend/pkg/summarize"

	"github.com/go-playground/validator"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// FUSE_PIPELINE_FRAGMENT_MERGE_COUNT.
const EnvPrefix = "FUSE"

// ProviderConfig selects and configures the model provider.
type ProviderConfig struct {
	Adapter        string        `mapstructure:"adapter" validate:"oneof=openai ollama"`
	ChatModel      string        `mapstructure:"chat_model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	ChatURL        string        `mapstructure:"chat_url"`
	ChatKey        string        `mapstructure:"chat_key"`
	EmbeddingURL   string        `mapstructure:"embedding_url"`
	EmbeddingKey   string        `mapstructure:"embedding_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// ClusteringConfig selects the clustering backend.
type ClusteringConfig struct {
	Mode   string         `mapstructure:"mode" validate:"oneof=local remote"`
	URL    string         `mapstructure:"url"`
	APIKey string         `mapstructure:"api_key"`
	Params cluster.Params `mapstructure:"params"`
}

// StoreConfig selects the graph store. The memory store keeps everything in
// process and is meant for single runs and tests.
type StoreConfig struct {
	Backend     string `mapstructure:"backend" validate:"oneof=memory postgres"`
	DatabaseURL string `mapstructure:"database_url"`
	// IndexMethod and IndexMeasure configure the vector indexes created by
	// the migrate command. Dimensions must match the embedding model.
	IndexMethod     string `mapstructure:"index_method" validate:"oneof=hnsw ivfflat"`
	IndexMeasure    string `mapstructure:"index_measure" validate:"oneof=cosine l2 ip"`
	IndexDimensions int    `mapstructure:"index_dimensions" validate:"gte=0"`
}

// QueueConfig names the worker queues.
type QueueConfig struct {
	GraphQueue   string `mapstructure:"graph_queue" validate:"required"`
	ClusterQueue string `mapstructure:"cluster_queue" validate:"required"`
	DeleteQueue  string `mapstructure:"delete_queue" validate:"required"`
	MaxRetries   int    `mapstructure:"max_retries" validate:"gte=0"`
	Bucket       string `mapstructure:"bucket"`
}

type Config struct {
	Provider   ProviderConfig       `mapstructure:"provider"`
	Gateway    gateway.Config       `mapstructure:"gateway"`
	Pipeline   graph.PipelineConfig `mapstructure:"pipeline"`
	Clustering ClusteringConfig     `mapstructure:"clustering"`
	Summarize  summarize.Config     `mapstructure:"summarize"`
	Search     search.Config        `mapstructure:"search"`
	Query      query.Config         `mapstructure:"query"`
	Store      StoreConfig          `mapstructure:"store"`
	Queue      QueueConfig          `mapstructure:"queue"`
}

var validate = validator.New()

// Validate checks field ranges and the settings that depend on each other.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Clustering.Mode == cluster.ModeRemote && c.Clustering.URL == "" {
		return errors.New("clustering.url is required in remote mode")
	}
	if c.Store.Backend == "postgres" && c.Store.DatabaseURL == "" {
		return errors.New("store.database_url is required for the postgres backend")
	}
	return nil
}

// SetDefaults registers every key with its default. Keys without a default
// are not picked up from the environment by viper.
func SetDefaults(v *viper.Viper) {
	// -- Provider --
	v.SetDefault("provider.adapter", util.GetEnvString("AI_ADAPTER", "openai"))
	v.SetDefault("provider.chat_model", util.GetEnv("AI_CHAT_MODEL"))
	v.SetDefault("provider.embedding_model", util.GetEnv("AI_EMBED_MODEL"))
	v.SetDefault("provider.chat_url", util.GetEnv("AI_CHAT_URL"))
	v.SetDefault("provider.chat_key", util.GetEnv("AI_CHAT_KEY"))
	v.SetDefault("provider.embedding_url", util.GetEnv("AI_EMBED_URL"))
	v.SetDefault("provider.embedding_key", util.GetEnv("AI_EMBED_KEY"))
	v.SetDefault("provider.timeout", "10m")

	// -- Gateway --
	for _, role := range ai.Roles {
		v.SetDefault("gateway.roles."+string(role)+".max_concurrent", 4)
		v.SetDefault("gateway.roles."+string(role)+".requests_per_second", 0)
		v.SetDefault("gateway.roles."+string(role)+".burst", 0)
	}
	backoff := util.DefaultBackoff()
	v.SetDefault("gateway.backoff.max_attempts", backoff.MaxAttempts)
	v.SetDefault("gateway.backoff.initial", backoff.Initial)
	v.SetDefault("gateway.backoff.max", backoff.Max)
	v.SetDefault("gateway.backoff.multiplier", backoff.Multiplier)
	v.SetDefault("gateway.breaker.enabled", true)
	v.SetDefault("gateway.breaker.max_requests", 1)
	v.SetDefault("gateway.breaker.min_requests", 5)
	v.SetDefault("gateway.breaker.failure_ratio", 0.6)
	v.SetDefault("gateway.breaker.interval", "1m")
	v.SetDefault("gateway.breaker.timeout", "30s")
	v.SetDefault("gateway.batch_size", 64)
	v.SetDefault("gateway.embed.model", util.GetEnv("AI_EMBED_MODEL"))
	v.SetDefault("gateway.embed.dimensions", 0)

	// -- Pipeline --
	p := graph.DefaultPipelineConfig()
	v.SetDefault("pipeline.entity_types", []string{})
	v.SetDefault("pipeline.relation_types", []string{})
	v.SetDefault("pipeline.fragment_merge_count", p.FragmentMergeCount)
	v.SetDefault("pipeline.max_knowledge_relationships", p.MaxKnowledgeRelationships)
	v.SetDefault("pipeline.max_description_input_length", p.MaxDescriptionInputLength)
	v.SetDefault("pipeline.max_description_length", p.MaxDescriptionLength)
	v.SetDefault("pipeline.automatic_deduplication", p.AutomaticDeduplication)
	v.SetDefault("pipeline.dedup_similarity_threshold", p.DedupSimilarityThreshold)
	v.SetDefault("pipeline.parallel_documents", p.ParallelDocuments)
	v.SetDefault("pipeline.parallel_groups", p.ParallelGroups)
	setGenerateDefaults(v, "pipeline.extraction")

	// -- Clustering --
	c := cluster.DefaultParams()
	v.SetDefault("clustering.mode", cluster.ModeLocal)
	v.SetDefault("clustering.url", "")
	v.SetDefault("clustering.api_key", util.GetEnv("CLUSTER_API_KEY"))
	v.SetDefault("clustering.params.resolution", c.Resolution)
	v.SetDefault("clustering.params.max_levels", c.MaxLevels)
	v.SetDefault("clustering.params.min_modularity_gain", c.MinModularityGain)
	v.SetDefault("clustering.params.max_iterations", c.MaxIterations)

	// -- Summarize --
	s := summarize.DefaultConfig()
	v.SetDefault("summarize.max_input_length", s.MaxInputLength)
	v.SetDefault("summarize.parallel", s.Parallel)
	setGenerateDefaults(v, "summarize.generation")

	// -- Search --
	q := search.DefaultConfig()
	v.SetDefault("search.rrf_k", q.RRFK)
	v.SetDefault("search.candidates", q.Candidates)

	// -- Query --
	a := query.DefaultConfig()
	v.SetDefault("query.top_k", a.TopK)
	v.SetDefault("query.max_context_length", a.MaxContextLength)
	setGenerateDefaults(v, "query.generation")
	v.SetDefault("query.generation.max_tokens_to_sample", a.Generation.MaxTokensToSample)

	// -- Store --
	v.SetDefault("store.backend", defaultStoreBackend())
	v.SetDefault("store.database_url", util.GetEnv("DATABASE_URL"))
	v.SetDefault("store.index_method", "hnsw")
	v.SetDefault("store.index_measure", "cosine")
	v.SetDefault("store.index_dimensions", 0)

	// -- Queue --
	v.SetDefault("queue.graph_queue", "graph_queue")
	v.SetDefault("queue.cluster_queue", "cluster_queue")
	v.SetDefault("queue.delete_queue", "delete_queue")
	v.SetDefault("queue.max_retries", 10)
	v.SetDefault("queue.bucket", util.GetEnvString("AWS_BUCKET", "fuse"))
}

func defaultStoreBackend() string {
	if util.GetEnv("DATABASE_URL") != "" {
		return "postgres"
	}
	return "memory"
}

func setGenerateDefaults(v *viper.Viper, prefix string) {
	g := ai.DefaultGenerateConfig()
	v.SetDefault(prefix+".model", util.GetEnv("AI_CHAT_MODEL"))
	v.SetDefault(prefix+".temperature", g.Temperature)
	v.SetDefault(prefix+".top_p", g.TopP)
	v.SetDefault(prefix+".max_tokens_to_sample", g.MaxTokensToSample)
	v.SetDefault(prefix+".stream", g.Stream)
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load reads the configuration from path. An empty path looks for
// fuse.yaml in the working directory; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("fuse")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return NewConfigFromViper(v)
}
