// Package summarize writes the natural-language reports of graph
// communities.
package summarize

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"

	"golang.org/x/sync/errgroup"
)

// ErrMalformedReport marks model output that could not be parsed into a
// report. No report is stored for the community.
var ErrMalformedReport = errors.New("malformed community report")

// Generator is the part of the provider gateway the summarizer needs.
type Generator interface {
	Generate(ctx context.Context, role ai.Role, prompt string, cfg ai.GenerateConfig) (string, error)
}

type reportResponse struct {
	Title             string   `json:"title" jsonschema_description:"Short title naming the most important entities of the community"`
	Summary           string   `json:"summary" jsonschema_description:"Executive summary of the community structure and its significant information"`
	Rating            float64  `json:"rating" jsonschema_description:"Importance of the community between 0.0 and 10.0"`
	RatingExplanation string   `json:"rating_explanation" jsonschema_description:"One sentence explaining the rating"`
	Findings          []string `json:"findings" jsonschema_description:"Between 1 and 10 key findings grounded in the data"`
}

// Config controls report generation.
type Config struct {
	// MaxInputLength caps the entity and relationship text of one prompt in
	// characters. 0 means no cap.
	MaxInputLength int               `mapstructure:"max_input_length" validate:"gte=0"`
	Parallel       int               `mapstructure:"parallel" validate:"gte=0"`
	Generation     ai.GenerateConfig `mapstructure:"generation"`
}

func DefaultConfig() Config {
	return Config{
		MaxInputLength: 16000,
		Parallel:       4,
		Generation:     ai.DefaultGenerateConfig(),
	}
}

// Summarizer generates and stores one report per community.
type Summarizer struct {
	store store.GraphStorage
	gen   Generator
	cfg   Config
}

func New(st store.GraphStorage, gen Generator, cfg Config) *Summarizer {
	if cfg.Parallel <= 0 {
		cfg.Parallel = 1
	}
	return &Summarizer{store: st, gen: gen, cfg: cfg}
}

// Summarize writes the reports of communities. Communities are handled
// independently: a failed report is recorded in summary and its siblings
// continue. Only cancellation is returned as an error.
func (s *Summarizer) Summarize(ctx context.Context, graphID string, communities []common.Community, summary *common.RunSummary) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallel)

	for _, c := range communities {
		if len(c.EntityIDs) == 0 {
			summary.Skip(common.StageSummarization)
			continue
		}
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
			}

			report, err := s.Report(gCtx, graphID, c)
			if err == nil {
				err = s.store.SaveCommunityReports(gCtx, graphID, []common.CommunityReport{report})
			}
			if err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				logger.Warn("[Summarize] Community report failed", "graph_id", graphID, "community", c.ID, "err", err)
				summary.Fail(common.StageSummarization, c.ID, failureKind(err), err)
				return nil
			}
			summary.Succeed(common.StageSummarization)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ai.ErrProviderUnavailable):
		return common.FailureProviderUnavailable
	case errors.Is(err, ErrMalformedReport):
		return common.FailureMalformedOutput
	default:
		return common.FailureOther
	}
}

// Report generates the report of c without storing it.
func (s *Summarizer) Report(ctx context.Context, graphID string, c common.Community) (common.CommunityReport, error) {
	entities, err := s.store.GetEntities(ctx, graphID, c.EntityIDs)
	if err != nil {
		return common.CommunityReport{}, fmt.Errorf("failed to load entities: %w", err)
	}
	if len(entities) == 0 {
		return common.CommunityReport{}, fmt.Errorf("community %s: %w", c.ID, store.ErrNotFound)
	}
	rels, err := s.store.RelationshipsForEntities(ctx, graphID, c.EntityIDs)
	if err != nil {
		return common.CommunityReport{}, fmt.Errorf("failed to load relationships: %w", err)
	}

	entityText, relText := buildInput(entities, rels, s.cfg.MaxInputLength)
	prompt := fmt.Sprintf(ai.CommunityReportPrompt, entityText, relText)

	cfg := s.cfg.Generation.With(ai.WithResponseFormat("community_report", "Report about one community of a knowledge graph", reportResponse{}))
	raw, err := s.gen.Generate(ctx, ai.RoleEnrichment, prompt, cfg)
	if err != nil {
		return common.CommunityReport{}, err
	}

	var res reportResponse
	if err := ai.UnmarshalFlexible(raw, &res); err != nil {
		return common.CommunityReport{}, fmt.Errorf("%w: %w", ErrMalformedReport, err)
	}
	if strings.TrimSpace(res.Title) == "" && strings.TrimSpace(res.Summary) == "" {
		return common.CommunityReport{}, fmt.Errorf("%w: empty title and summary", ErrMalformedReport)
	}

	findings := make([]string, 0, len(res.Findings))
	for _, f := range res.Findings {
		if f = strings.TrimSpace(f); f != "" {
			findings = append(findings, f)
		}
	}
	return common.CommunityReport{
		CommunityID:       c.ID,
		Level:             c.Level,
		Title:             strings.TrimSpace(res.Title),
		Summary:           strings.TrimSpace(res.Summary),
		Rating:            min(max(res.Rating, 0), 10),
		RatingExplanation: strings.TrimSpace(res.RatingExplanation),
		Findings:          findings,
	}, nil
}

// buildInput renders the entity and relationship sections of the prompt.
// Only relationships between members are used. When the text exceeds limit
// the lowest-weight relationships are dropped first, then the entity
// section is cut.
func buildInput(entities []common.Entity, rels []common.Relationship, limit int) (string, string) {
	entities = slices.Clone(entities)
	slices.SortFunc(entities, func(a, b common.Entity) int { return cmp.Compare(a.ID, b.ID) })

	names := make(map[string]string, len(entities))
	entityLines := make([]string, 0, len(entities))
	for _, e := range entities {
		names[e.ID] = e.Name
		entityLines = append(entityLines, fmt.Sprintf("- %s (%s): %s", e.Name, e.Type, e.Description))
	}

	var internal []common.Relationship
	for _, r := range rels {
		_, okS := names[r.SourceEntityID]
		_, okT := names[r.TargetEntityID]
		if okS && okT {
			internal = append(internal, r)
		}
	}
	slices.SortFunc(internal, func(a, b common.Relationship) int {
		return cmp.Or(cmp.Compare(b.Weight, a.Weight), cmp.Compare(a.ID, b.ID))
	})
	relLines := make([]string, 0, len(internal))
	for _, r := range internal {
		relLines = append(relLines, fmt.Sprintf("- %s -[%s]-> %s (weight %.2f): %s",
			names[r.SourceEntityID], r.Label, names[r.TargetEntityID], r.Weight, r.Description))
	}

	entityText := strings.Join(entityLines, "\n")
	if limit <= 0 {
		return entityText, strings.Join(relLines, "\n")
	}

	size := textLen(entityLines) + textLen(relLines)
	for size > limit && len(relLines) > 0 {
		last := relLines[len(relLines)-1]
		relLines = relLines[:len(relLines)-1]
		size -= len([]rune(last))
		if len(relLines) > 0 {
			size--
		}
	}
	if size > limit {
		entityText = util.Truncate(entityText, limit)
	}
	return entityText, strings.Join(relLines, "\n")
}

// textLen is the rune length of lines joined by newlines.
func textLen(lines []string) int {
	if len(lines) == 0 {
		return 0
	}
	n := len(lines) - 1
	for _, l := range lines {
		n += len([]rune(l))
	}
	return n
}
