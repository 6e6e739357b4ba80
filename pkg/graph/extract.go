package graph

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
)

// ErrMalformedExtraction marks model output for a group that could not be
// parsed. The group is dropped; the run continues.
var ErrMalformedExtraction = errors.New("malformed extraction")

// Generator is the part of the provider gateway the extractor needs.
type Generator interface {
	Generate(ctx context.Context, role ai.Role, prompt string, cfg ai.GenerateConfig) (string, error)
}

// Embedder is the part of the provider gateway used for similarity merges.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type extractEntity struct {
	EntityName        string `json:"entity_name" jsonschema_description:"Name of the entity, all letters capitalized"`
	EntityType        string `json:"entity_type" jsonschema_description:"One of the provided entity types"`
	EntityDescription string `json:"entity_description" jsonschema_description:"Comprehensive description of the entity's attributes, activities and information provided by the source."`
}

type extractRelationship struct {
	SourceEntity            string   `json:"source_entity" jsonschema_description:"Name of the source entity, as identified in step 1"`
	TargetEntity            string   `json:"target_entity" jsonschema_description:"Name of the target entity, as identified in step 1"`
	RelationshipLabel       string   `json:"relationship_label" jsonschema_description:"Short upper case label of the relation, one of the provided relation types if any are given"`
	RelationshipDescription string   `json:"relationship_description" jsonschema_description:"Explanation as to why you think the source entity and the target entity are related to each other"`
	RelationshipStrength    float64  `json:"relationship_strength" jsonschema_description:"A numeric score indicating strength of the relationship between the source entity and target entity"`
	Confidence              *float64 `json:"confidence,omitempty" jsonschema_description:"A numeric score between 0 and 1 indicating how certain the text makes the relationship"`
}

type extractResponse struct {
	Entities      []extractEntity       `json:"entities" jsonschema_description:"Entities identified in the text document"`
	Relationships []extractRelationship `json:"relationships" jsonschema_description:"Relationships identified in the text document"`
}

// ExtractionResult is the outcome of parsing the model output of one group:
// either *Extraction or *ParseError.
type ExtractionResult interface {
	extractionResult()
}

// Extraction holds the candidate entities and relationships of one group.
// Every relationship points at an entity of the same extraction.
type Extraction struct {
	GroupID       string
	Entities      []common.Entity
	Relationships []common.Relationship

	// Dropped counts relationships removed by the allow-list, a missing
	// endpoint or the relationship cap.
	Dropped int
}

// ParseError reports output that could not be parsed. It matches
// ErrMalformedExtraction with errors.Is.
type ParseError struct {
	GroupID string
	Raw     string
	Err     error
}

func (*Extraction) extractionResult() {}
func (*ParseError) extractionResult() {}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: group %s: %v", ErrMalformedExtraction, e.GroupID, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrMalformedExtraction, e.Err}
}

// ExtractorConfig bounds what the extractor keeps from the model output.
type ExtractorConfig struct {
	EntityTypes   []string
	RelationTypes []string

	// MaxKnowledgeRelationships caps relationships per group. 0 means no cap.
	MaxKnowledgeRelationships int
	// MaxDescriptionInputLength truncates every description to this many
	// characters. 0 means no limit.
	MaxDescriptionInputLength int

	Generation ai.GenerateConfig
}

// Extractor turns chunk groups into candidate entities and relationships
// with one generation call per group.
type Extractor struct {
	gen           Generator
	cfg           ExtractorConfig
	entityTypes   map[string]struct{}
	relationTypes map[string]struct{}
}

func NewExtractor(gen Generator, cfg ExtractorConfig) *Extractor {
	return &Extractor{
		gen:           gen,
		cfg:           cfg,
		entityTypes:   allowSet(cfg.EntityTypes),
		relationTypes: allowSet(cfg.RelationTypes),
	}
}

func (x *Extractor) prompt(group ChunkGroup) string {
	return fmt.Sprintf(
		ai.ExtractPrompt,
		strings.Join(sortedKeys(x.entityTypes), ", "),
		strings.Join(sortedKeys(x.relationTypes), ", "),
		group.Text(),
	)
}

// Extract runs the extraction of one group. Provider failures are returned
// as error; unparsable output is returned as *ParseError.
func (x *Extractor) Extract(ctx context.Context, scope string, group ChunkGroup) (ExtractionResult, error) {
	cfg := x.cfg.Generation.With(ai.WithResponseFormat(
		"extract_entities_and_relationships",
		"Extract entities and relationships from a provided document.",
		extractResponse{},
	))

	raw, err := x.gen.Generate(ctx, ai.RoleExtraction, x.prompt(group), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to extract group %s: %w", group.ID, err)
	}

	var res extractResponse
	if err := ai.UnmarshalFlexible(raw, &res); err != nil {
		logger.Warn("[Extract] Dropping malformed extraction", "group", group.ID, "document", group.DocumentID, "err", err)
		return &ParseError{GroupID: group.ID, Raw: raw, Err: err}, nil
	}

	return x.build(scope, group, res), nil
}

func (x *Extractor) build(scope string, group ChunkGroup, res extractResponse) *Extraction {
	out := &Extraction{GroupID: group.ID}
	chunkIDs := group.ChunkIDs()
	limit := x.cfg.MaxDescriptionInputLength

	byKey := make(map[string]int)
	byName := make(map[string][]int)
	for _, raw := range res.Entities {
		name := NormalizeName(raw.EntityName)
		typ := NormalizeLabel(raw.EntityType)
		if name == "" || typ == "" {
			logger.Debug("[Extract] Skipping entity without name or type", "group", group.ID, "name", raw.EntityName)
			continue
		}
		if !allowed(x.entityTypes, typ) {
			logger.Debug("[Extract] Skipping entity type outside allow-list", "group", group.ID, "type", typ)
			continue
		}

		desc := util.Truncate(strings.TrimSpace(raw.EntityDescription), limit)
		key := name + "|" + typ
		if i, ok := byKey[key]; ok {
			e := &out.Entities[i]
			e.Description = util.JoinCapped([]string{e.Description, desc}, "\n", limit)
			continue
		}

		byKey[key] = len(out.Entities)
		byName[name] = append(byName[name], len(out.Entities))
		out.Entities = append(out.Entities, common.Entity{
			ID:             EntityID(scope, name, typ),
			Name:           name,
			Type:           typ,
			Description:    desc,
			SourceChunkIDs: slices.Clone(chunkIDs),
		})
	}

	// a name shared by several types resolves to the lowest id
	resolve := func(name string) (string, bool) {
		idx := byName[NormalizeName(name)]
		if len(idx) == 0 {
			return "", false
		}
		id := out.Entities[idx[0]].ID
		for _, i := range idx[1:] {
			id = min(id, out.Entities[i].ID)
		}
		return id, true
	}

	var rels []common.Relationship
	for i, raw := range res.Relationships {
		label := NormalizeLabel(raw.RelationshipLabel)
		if label == "" {
			label = defaultRelationLabel
		}
		if !allowed(x.relationTypes, label) {
			logger.Debug("[Extract] Skipping relation label outside allow-list", "group", group.ID, "label", label)
			out.Dropped++
			continue
		}
		src, okSrc := resolve(raw.SourceEntity)
		tgt, okTgt := resolve(raw.TargetEntity)
		if !okSrc || !okTgt {
			logger.Debug("[Extract] Skipping relationship with unknown endpoint", "group", group.ID, "source", raw.SourceEntity, "target", raw.TargetEntity)
			out.Dropped++
			continue
		}

		weight := raw.RelationshipStrength
		if weight <= 0 {
			weight = 1
		}
		rels = append(rels, common.Relationship{
			ID:             RelationshipID(src, tgt, label),
			SourceEntityID: src,
			TargetEntityID: tgt,
			Label:          label,
			Description:    util.Truncate(strings.TrimSpace(raw.RelationshipDescription), limit),
			Weight:         weight,
			SourceChunkIDs: slices.Clone(chunkIDs),
			Confidence:     raw.Confidence,
			Reflexive:      src == tgt,
			Contributions:  map[string]float64{ContributionKey(group.ID, i): weight},
		})
	}

	kept := capRelationships(rels, x.cfg.MaxKnowledgeRelationships)
	out.Dropped += len(rels) - len(kept)
	out.Relationships = kept
	return out
}

// capRelationships keeps at most limit relationships. When any confidence
// is reported the lowest-confidence ones go first (missing counts as 0),
// otherwise the latest arrivals. Kept relationships stay in arrival order.
func capRelationships(rels []common.Relationship, limit int) []common.Relationship {
	if limit <= 0 || len(rels) <= limit {
		return rels
	}

	hasConfidence := slices.ContainsFunc(rels, func(r common.Relationship) bool {
		return r.Confidence != nil
	})
	if !hasConfidence {
		return rels[:limit]
	}

	order := make([]int, len(rels))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(confidence(rels[b]), confidence(rels[a]))
	})
	keep := order[:limit]
	slices.Sort(keep)

	out := make([]common.Relationship, 0, limit)
	for _, i := range keep {
		out = append(out, rels[i])
	}
	return out
}

func confidence(r common.Relationship) float64 {
	if r.Confidence == nil {
		return 0
	}
	return *r.Confidence
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
