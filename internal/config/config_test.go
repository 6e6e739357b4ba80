package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/cluster"
	"github.com/OFFIS-RIT/fuse/backend/pkg/graph"
	"github.com/OFFIS-RIT/fuse/backend/pkg/search"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fuse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	v := viper.New()
	SetDefaults(v)
	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	def := graph.DefaultPipelineConfig()
	assert.Equal(t, def.FragmentMergeCount, cfg.Pipeline.FragmentMergeCount)
	assert.Equal(t, def.DedupSimilarityThreshold, cfg.Pipeline.DedupSimilarityThreshold)
	assert.True(t, cfg.Pipeline.AutomaticDeduplication)
	assert.Equal(t, 0.1, cfg.Pipeline.Extraction.Temperature)
	assert.Equal(t, 1024, cfg.Pipeline.Extraction.MaxTokensToSample)
	assert.Equal(t, cluster.DefaultParams(), cfg.Clustering.Params)
	assert.Equal(t, cluster.ModeLocal, cfg.Clustering.Mode)
	assert.Equal(t, search.DefaultRRFK, cfg.Search.RRFK)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, int64(4), cfg.Gateway.Roles[ai.RoleExtraction].MaxConcurrent)
	assert.Equal(t, time.Second, cfg.Gateway.Backoff.Initial)
	assert.Equal(t, 10, cfg.Queue.MaxRetries)
	assert.Equal(t, 10, cfg.Query.TopK)
	assert.Equal(t, 2048, cfg.Query.Generation.MaxTokensToSample)
}

func TestLoad_FileAndEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
pipeline:
  fragment_merge_count: 3
  entity_types: [PERSON, ORGANIZATION]
  automatic_deduplication: false
clustering:
  mode: remote
  url: http://clusterd:8080
  params:
    resolution: 0.5
gateway:
  roles:
    extraction:
      max_concurrent: 2
search:
  rrf_k: 10
`)
	t.Setenv("FUSE_SEARCH_RRF_K", "30")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.FragmentMergeCount)
	assert.Equal(t, []string{"PERSON", "ORGANIZATION"}, cfg.Pipeline.EntityTypes)
	assert.False(t, cfg.Pipeline.AutomaticDeduplication)
	assert.Equal(t, cluster.ModeRemote, cfg.Clustering.Mode)
	assert.Equal(t, "http://clusterd:8080", cfg.Clustering.URL)
	assert.Equal(t, 0.5, cfg.Clustering.Params.Resolution)
	assert.Equal(t, 3, cfg.Clustering.Params.MaxLevels, "unset keys keep their default")
	assert.Equal(t, int64(2), cfg.Gateway.Roles[ai.RoleExtraction].MaxConcurrent)
	assert.Equal(t, 30.0, cfg.Search.RRFK, "environment overrides the file")
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	tests := []struct {
		name string
		body string
	}{
		{"fragment merge count below one", "pipeline:\n  fragment_merge_count: 0\n"},
		{"threshold above one", "pipeline:\n  dedup_similarity_threshold: 1.5\n"},
		{"unknown clustering mode", "clustering:\n  mode: spectral\n"},
		{"remote without url", "clustering:\n  mode: remote\n"},
		{"postgres without url", "store:\n  backend: postgres\n"},
		{"unknown adapter", "provider:\n  adapter: bard\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), "invalid configuration")
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
