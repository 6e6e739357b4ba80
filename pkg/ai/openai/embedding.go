package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
)

// Embed creates one embedding per input text in a single request.
// Output order matches input order. Blank inputs get a zero vector of
// cfg.Dimensions without a request; when cfg.Dimensions is set every vector
// is truncated or zero padded to that size.
func (p *Provider) Embed(ctx context.Context, texts []string, cfg ai.EmbedConfig) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if p.EmbeddingClient == nil {
		return nil, errors.New("openai embedding client is not configured")
	}

	idxMap, stringsIn, out := normalizeEmbeddingInputs(texts, cfg.Dimensions)
	if len(stringsIn) == 0 {
		return out, nil
	}

	vectors, err := p.embedStrings(ctx, stringsIn, cfg)
	if err != nil {
		return nil, err
	}
	for i := range vectors {
		out[idxMap[i]] = vectors[i]
	}
	return out, nil
}

func normalizeEmbeddingInputs(inputs []string, dim int) (idxMap []int, stringsIn []string, out [][]float32) {
	idxMap = make([]int, 0, len(inputs))
	stringsIn = make([]string, 0, len(inputs))
	out = make([][]float32, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in) == "" {
			out[i] = make([]float32, dim)
			continue
		}
		idxMap = append(idxMap, i)
		stringsIn = append(stringsIn, in)
	}
	return idxMap, stringsIn, out
}

func (p *Provider) embedStrings(ctx context.Context, inputs []string, cfg ai.EmbedConfig) ([][]float32, error) {
	model := cfg.Model
	if model == "" {
		model = p.embeddingModel
	}

	rCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
		Model: model,
	}

	start := time.Now()
	response, err := p.EmbeddingClient.Embeddings.New(rCtx, body)
	if err != nil {
		return nil, wrapError(err)
	}

	p.modifyMetrics(ai.ModelMetrics{
		InputTokens: int(response.Usage.PromptTokens),
		TotalTokens: int(response.Usage.TotalTokens),
		DurationMs:  time.Since(start).Milliseconds(),
	})

	if len(response.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(response.Data), len(inputs))
	}

	out := make([][]float32, len(inputs))
	for _, embedding := range response.Data {
		dataIdx := int(embedding.Index)
		if dataIdx < 0 || dataIdx >= len(inputs) {
			return nil, fmt.Errorf("embedding index out of range: %d", embedding.Index)
		}
		out[dataIdx] = fitDimensions(embedding.Embedding, cfg.Dimensions)
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return out, nil
}

func fitDimensions(values []float64, dim int) []float32 {
	size := len(values)
	if dim > 0 {
		size = dim
	}
	vec := make([]float32, size)
	for i := 0; i < size && i < len(values); i++ {
		vec[i] = float32(values[i])
	}
	return vec
}
