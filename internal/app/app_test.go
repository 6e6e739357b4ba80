package app

import (
	"context"
	"testing"

	"github.com/OFFIS-RIT/fuse/backend/internal/config"
	"github.com/OFFIS-RIT/fuse/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNew_MemoryBackend(t *testing.T) {
	cfg := loadConfig(t)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &memory.Store{}, a.Store)
	assert.IsType(t, &leaselock.Local{}, a.Locker)
	assert.Nil(t, a.Pool())
	assert.NotNil(t, a.Pipeline)
	assert.NotNil(t, a.Cluster)
	assert.NotNil(t, a.Summary)
	assert.NotNil(t, a.Searcher)
	assert.NotNil(t, a.Answerer)
}

func TestNew_RemoteClusteringNeedsURL(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Clustering.Mode = "remote"

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	for _, adapter := range []string{"openai", "ollama"} {
		t.Run(adapter, func(t *testing.T) {
			p, err := NewProvider(config.ProviderConfig{
				Adapter:        adapter,
				ChatModel:      "chat",
				EmbeddingModel: "embed",
				ChatURL:        "http://localhost:11434",
			})
			require.NoError(t, err)
			assert.NotNil(t, p)
		})
	}

	_, err := NewProvider(config.ProviderConfig{Adapter: "ollama", ChatURL: "://bad"})
	assert.Error(t, err)
}

func TestVectorIndexes(t *testing.T) {
	assert.Nil(t, VectorIndexes(config.StoreConfig{IndexMethod: "hnsw", IndexMeasure: "cosine"}))

	got := VectorIndexes(config.StoreConfig{IndexMethod: "ivfflat", IndexMeasure: "l2", IndexDimensions: 768})
	require.Len(t, got, 2)
	assert.Equal(t, store.IndexChunks, got[0].Target)
	assert.Equal(t, store.IndexEntities, got[1].Target)
	for _, opts := range got {
		assert.Equal(t, store.IndexIVFFlat, opts.Method)
		assert.Equal(t, store.MeasureL2, opts.Measure)
		assert.Equal(t, 768, opts.Dimensions)
	}
}
