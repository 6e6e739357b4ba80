package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"

	"github.com/ollama/ollama/api"
)

// Embed creates one embedding per input text in a single request.
// Blank inputs get a zero vector without a request. When cfg.Dimensions is
// set every vector is truncated or zero padded to that size.
func (p *Provider) Embed(ctx context.Context, texts []string, cfg ai.EmbedConfig) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	model := cfg.Model
	if model == "" {
		model = p.embeddingModel
	}

	out := make([][]float32, len(texts))
	idxMap := make([]int, 0, len(texts))
	inputs := make([]string, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			out[i] = make([]float32, cfg.Dimensions)
			continue
		}
		idxMap = append(idxMap, i)
		inputs = append(inputs, t)
	}
	if len(inputs) == 0 {
		return out, nil
	}

	rCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.Client.Embed(rCtx, &api.EmbedRequest{
		Model: model,
		Input: inputs,
	})
	if err != nil {
		return nil, wrapError(err)
	}

	p.modifyMetrics(ai.ModelMetrics{
		InputTokens: res.PromptEvalCount,
		TotalTokens: res.PromptEvalCount,
		DurationMs:  res.TotalDuration.Milliseconds(),
	})

	if len(res.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(res.Embeddings), len(inputs))
	}
	for i, vec := range res.Embeddings {
		out[idxMap[i]] = fitDimensions(vec, cfg.Dimensions)
	}
	return out, nil
}

func fitDimensions(values []float32, dim int) []float32 {
	size := len(values)
	if dim > 0 {
		size = dim
	}
	vec := make([]float32, size)
	copy(vec, values)
	return vec
}
