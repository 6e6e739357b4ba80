// Package app wires the configured provider, store, lock, clustering and
// pipeline for the fuse binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/fuse/backend/internal/config"
	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/ai/gateway"
	oai "github.com/OFFIS-RIT/fuse/backend/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/fuse/backend/pkg/ai/openai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/cluster"
	"github.com/OFFIS-RIT/fuse/backend/pkg/graph"
	"github.com/OFFIS-RIT/fuse/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/query"
	"github.com/OFFIS-RIT/fuse/backend/pkg/search"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store/memory"
	pgstore "github.com/OFFIS-RIT/fuse/backend/pkg/store/pgx"
	"github.com/OFFIS-RIT/fuse/backend/pkg/summarize"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// NewProvider returns the model provider selected by cfg.Adapter.
func NewProvider(cfg config.ProviderConfig) (ai.Provider, error) {
	switch cfg.Adapter {
	case "ollama":
		client, err := oai.NewProvider(oai.NewProviderParams{
			ChatModel:      cfg.ChatModel,
			EmbeddingModel: cfg.EmbeddingModel,
			BaseURL:        cfg.ChatURL,
			ApiKey:         cfg.ChatKey,
			Timeout:        cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create Ollama client: %w", err)
		}
		return client, nil
	default:
		return gai.NewProvider(gai.NewProviderParams{
			ChatModel:      cfg.ChatModel,
			EmbeddingModel: cfg.EmbeddingModel,
			ChatURL:        cfg.ChatURL,
			ChatKey:        cfg.ChatKey,
			EmbeddingURL:   cfg.EmbeddingURL,
			EmbeddingKey:   cfg.EmbeddingKey,
			Timeout:        cfg.Timeout,
		}), nil
	}
}

// OpenPool connects to databaseURL with the pgvector types registered on
// every connection.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return pool, nil
}

// VectorIndexes returns the index options for chunks and entities, or nil
// when no dimensions are configured.
func VectorIndexes(cfg config.StoreConfig) []store.IndexOptions {
	if cfg.IndexDimensions <= 0 {
		return nil
	}
	var out []store.IndexOptions
	for _, target := range []store.IndexTarget{store.IndexChunks, store.IndexEntities} {
		out = append(out, store.IndexOptions{
			Target:     target,
			Method:     store.IndexMethod(cfg.IndexMethod),
			Measure:    store.IndexMeasure(cfg.IndexMeasure),
			Dimensions: cfg.IndexDimensions,
		})
	}
	return out
}

// App holds the wired components of a fuse process.
type App struct {
	Config   *config.Config
	Store    store.GraphStorage
	Locker   leaselock.Locker
	Gateway  *gateway.Gateway
	Pipeline *graph.Pipeline
	Cluster  *cluster.Service
	Summary  *summarize.Summarizer
	Searcher *search.Searcher
	Answerer *query.Answerer

	pool *pgxpool.Pool
}

// New wires an App from cfg. With the postgres backend the schema is
// migrated and the configured vector indexes are created first.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	a := &App{Config: cfg}

	switch cfg.Store.Backend {
	case "postgres":
		if err := pgstore.Migrate(cfg.Store.DatabaseURL); err != nil {
			return nil, err
		}
		pool, err := OpenPool(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st := pgstore.NewGraphDBStorageWithConnection(pool)
		for _, opts := range VectorIndexes(cfg.Store) {
			if err := st.CreateVectorIndex(ctx, opts); err != nil {
				pool.Close()
				return nil, err
			}
		}
		a.pool = pool
		a.Store = st
		a.Locker = leaselock.New(pool)
	default:
		a.Store = memory.New()
		a.Locker = leaselock.NewLocal()
	}

	provider, err := NewProvider(cfg.Provider)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Gateway, err = gateway.New(provider, cfg.Gateway)
	if err != nil {
		a.Close()
		return nil, err
	}

	backend, err := cluster.NewBackend(cfg.Clustering.Mode, cfg.Clustering.URL, nil)
	if err != nil {
		a.Close()
		return nil, err
	}
	if rb, ok := backend.(*cluster.RemoteBackend); ok && cfg.Clustering.APIKey != "" {
		rb.WithAPIKey(cfg.Clustering.APIKey)
	}
	a.Cluster = cluster.NewService(a.Store, backend, a.Locker, cfg.Clustering.Params)
	a.Summary = summarize.New(a.Store, a.Gateway, cfg.Summarize)
	a.Searcher = search.NewSearcher(a.Store, a.Gateway, cfg.Search)
	a.Answerer = query.NewAnswerer(a.Store, a.Searcher, a.Gateway, cfg.Query)

	a.Pipeline, err = graph.NewPipeline(graph.NewPipelineParams{
		Store:      a.Store,
		Gateway:    a.Gateway,
		Locker:     a.Locker,
		Clusterer:  a.Cluster,
		Summarizer: a.Summary,
		Config:     cfg.Pipeline,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.Debug("[App] Wired", "store", cfg.Store.Backend, "adapter", cfg.Provider.Adapter, "clustering", cfg.Clustering.Mode)
	return a, nil
}

// Pool returns the database pool, or nil on the memory backend.
func (a *App) Pool() *pgxpool.Pool {
	return a.pool
}

func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
