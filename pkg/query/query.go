// Package query answers questions from a graph: it ranks records with the
// hybrid searcher, turns the best of them into prompt context and lets the
// search model write an answer that cites chunk ids.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"
)

// Retriever ranks the records of a graph for a query.
type Retriever interface {
	Search(ctx context.Context, graphID, query string, topK int) ([]common.SearchResult, error)
}

type Generator interface {
	Generate(ctx context.Context, role ai.Role, prompt string, cfg ai.GenerateConfig) (string, error)
}

type Config struct {
	TopK int `mapstructure:"top_k" validate:"gte=0"`
	// MaxContextLength caps the retrieved data in the prompt, in characters.
	MaxContextLength int               `mapstructure:"max_context_length" validate:"gte=0"`
	Generation       ai.GenerateConfig `mapstructure:"generation"`
}

func DefaultConfig() Config {
	return Config{
		TopK:             10,
		MaxContextLength: 12000,
		Generation:       ai.DefaultGenerateConfig().With(ai.WithMaxTokens(2048)),
	}
}

// Answer is the generated answer and what it was built from.
type Answer struct {
	Text string `json:"text"`
	// Sources are the chunk ids given to the model.
	Sources []string              `json:"sources"`
	Results []common.SearchResult `json:"results"`
	NoData  bool                  `json:"no_data,omitempty"`
}

type Answerer struct {
	store     store.GraphStorage
	retriever Retriever
	gen       Generator
	cfg       Config
	tracer    Tracer
}

func NewAnswerer(st store.GraphStorage, retriever Retriever, gen Generator, cfg Config) *Answerer {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	return &Answerer{store: st, retriever: retriever, gen: gen, cfg: cfg}
}

// WithTracer records the ids every later Answer call considers and uses.
func (a *Answerer) WithTracer(t Tracer) *Answerer {
	a.tracer = t
	return a
}

// Answer searches graphID for question and answers from the results. When
// nothing relevant is found the model writes a short no-data reply instead
// of an answer.
func (a *Answerer) Answer(ctx context.Context, graphID, question string) (Answer, error) {
	if strings.TrimSpace(question) == "" {
		return Answer{}, errors.New("query: question is empty")
	}

	results, err := a.retriever.Search(ctx, graphID, question, a.cfg.TopK)
	if err != nil {
		return Answer{}, fmt.Errorf("failed to search graph: %w", err)
	}

	data, sources, err := a.buildContext(ctx, graphID, results)
	if err != nil {
		return Answer{}, err
	}

	if data == "" {
		text, err := a.gen.Generate(ctx, ai.RoleSearch, fmt.Sprintf(ai.NoDataPrompt, question), a.cfg.Generation)
		if err != nil {
			return Answer{}, fmt.Errorf("failed to generate no data response: %w", err)
		}
		return Answer{Text: strings.TrimSpace(text), Results: results, NoData: true}, nil
	}

	record(a.tracer, TraceEventUsedSourceIDs, sources)
	text, err := a.gen.Generate(ctx, ai.RoleSearch, fmt.Sprintf(ai.QueryPrompt, data, question), a.cfg.Generation)
	if err != nil {
		return Answer{}, fmt.Errorf("failed to generate answer: %w", err)
	}
	logger.Debug("[Query] Answered", "graph_id", graphID, "results", len(results), "sources", len(sources))
	return Answer{Text: strings.TrimSpace(text), Sources: sources, Results: results}, nil
}

// buildContext renders results in rank order until MaxContextLength is
// reached and returns the data text with the chunk ids it cites.
func (a *Answerer) buildContext(ctx context.Context, graphID string, results []common.SearchResult) (string, []string, error) {
	var chunkIDs, entityIDs, communityIDs []string
	for _, r := range results {
		switch r.Kind {
		case common.ResultKindChunk:
			chunkIDs = append(chunkIDs, r.ID)
		case common.ResultKindEntity:
			entityIDs = append(entityIDs, r.ID)
		case common.ResultKindCommunity:
			communityIDs = append(communityIDs, r.ID)
		}
	}
	record(a.tracer, TraceEventConsideredSourceIDs, chunkIDs)
	record(a.tracer, TraceEventQueriedEntityIDs, entityIDs)
	record(a.tracer, TraceEventQueriedCommunityIDs, communityIDs)

	// A nil id list loads every record, so empty kinds are skipped.
	var (
		chunks   []common.Chunk
		entities []common.Entity
		reports  []common.CommunityReport
		err      error
	)
	if len(chunkIDs) > 0 {
		if chunks, err = a.store.GetChunks(ctx, graphID, chunkIDs); err != nil {
			return "", nil, fmt.Errorf("failed to load chunks: %w", err)
		}
	}
	if len(entityIDs) > 0 {
		if entities, err = a.store.GetEntities(ctx, graphID, entityIDs); err != nil {
			return "", nil, fmt.Errorf("failed to load entities: %w", err)
		}
	}
	if len(communityIDs) > 0 {
		if reports, err = a.store.GetCommunityReports(ctx, graphID, communityIDs); err != nil {
			return "", nil, fmt.Errorf("failed to load community reports: %w", err)
		}
	}

	chunkByID := make(map[string]common.Chunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ID] = c
	}
	entityByID := make(map[string]common.Entity, len(entities))
	for _, e := range entities {
		entityByID[e.ID] = e
	}
	reportByID := make(map[string]common.CommunityReport, len(reports))
	for _, r := range reports {
		reportByID[r.CommunityID] = r
	}

	var sourceLines, entityLines, reportLines []string
	var sources []string
	budget := a.cfg.MaxContextLength
	used := 0
	fits := func(line string) bool {
		if budget > 0 && used+len(line) > budget {
			return false
		}
		used += len(line)
		return true
	}

	for _, r := range results {
		switch r.Kind {
		case common.ResultKindChunk:
			c, ok := chunkByID[r.ID]
			if !ok || strings.TrimSpace(c.Text) == "" {
				continue
			}
			line := fmt.Sprintf("[[%s]] %s", c.ID, util.NormalizeWhitespace(c.Text))
			if !fits(line) {
				continue
			}
			sourceLines = append(sourceLines, line)
			sources = append(sources, c.ID)
		case common.ResultKindEntity:
			e, ok := entityByID[r.ID]
			if !ok {
				continue
			}
			var cites strings.Builder
			for _, id := range e.SourceChunkIDs {
				fmt.Fprintf(&cites, " [[%s]]", id)
			}
			line := fmt.Sprintf("%s (%s): %s%s", e.Name, e.Type, util.NormalizeWhitespace(e.Description), cites.String())
			if !fits(line) {
				continue
			}
			entityLines = append(entityLines, line)
			sources = append(sources, e.SourceChunkIDs...)
		case common.ResultKindCommunity:
			rep, ok := reportByID[r.ID]
			if !ok {
				continue
			}
			line := fmt.Sprintf("%s: %s", rep.Title, util.NormalizeWhitespace(rep.Summary))
			if !fits(line) {
				continue
			}
			reportLines = append(reportLines, line)
		}
	}

	var b strings.Builder
	section := func(title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(title + ":\n")
		for _, l := range lines {
			b.WriteString(l + "\n")
		}
	}
	section("Sources", sourceLines)
	section("Entities", entityLines)
	section("Community Reports", reportLines)

	return strings.TrimSpace(b.String()), util.SortedUnion(sources), nil
}
