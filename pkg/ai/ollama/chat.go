package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"

	"github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultContext  = 4096
	contextHeadroom = 200
)

// Generate sends prompt to the chat model and returns the reply text.
// A ResponseFormat is passed as the JSON schema format. The reply is always
// read incrementally; cfg.Stream only controls whether Ollama sends it in
// pieces.
func (p *Provider) Generate(ctx context.Context, prompt string, cfg ai.GenerateConfig) (string, error) {
	model := cfg.Model
	if model == "" {
		model = p.chatModel
	}

	msgs := make([]api.Message, 0, len(cfg.SystemPrompts)+1)
	for _, sys := range cfg.SystemPrompts {
		msgs = append(msgs, api.Message{Role: "system", Content: sys})
	}
	msgs = append(msgs, api.Message{Role: "user", Content: prompt})

	options := map[string]any{"temperature": cfg.Temperature}
	if cfg.TopP > 0 {
		options["top_p"] = cfg.TopP
	}
	if cfg.MaxTokensToSample > 0 {
		options["num_predict"] = cfg.MaxTokensToSample
	}
	numCtx, err := contextSize(cfg.SystemPrompts, prompt, cfg.MaxTokensToSample)
	if err != nil {
		return "", err
	}
	if numCtx > defaultContext {
		options["num_ctx"] = numCtx
	}
	maps.Copy(options, cfg.Extra)

	stream := cfg.Stream
	req := &api.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &stream,
		Options:  options,
	}
	if cfg.ResponseFormat != nil {
		formatBytes, err := json.Marshal(cfg.ResponseFormat.Schema)
		if err != nil {
			return "", err
		}
		req.Format = json.RawMessage(formatBytes)
	}

	rCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var content strings.Builder
	var final api.ChatResponse
	if err := p.Client.Chat(rCtx, req, func(cr api.ChatResponse) error {
		content.WriteString(cr.Message.Content)
		if cr.Done {
			final = cr
		}
		return nil
	}); err != nil {
		return "", wrapError(err)
	}

	p.modifyMetrics(ai.ModelMetrics{
		InputTokens:  final.Metrics.PromptEvalCount,
		OutputTokens: final.Metrics.EvalCount,
		TotalTokens:  final.Metrics.PromptEvalCount + final.Metrics.EvalCount,
		DurationMs:   final.Metrics.TotalDuration.Milliseconds(),
	})

	if content.Len() == 0 {
		return "", fmt.Errorf("empty response from model (done_reason: %s)", final.DoneReason)
	}
	return content.String(), nil
}

// contextSize estimates the context window needed for the request.
func contextSize(systemPrompts []string, prompt string, maxTokens int) (int, error) {
	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		return 0, err
	}
	tokens := contextHeadroom + maxTokens
	for _, sp := range systemPrompts {
		tokens += len(enc.Encode(sp, nil, nil))
	}
	tokens += len(enc.Encode(prompt, nil, nil))
	return tokens, nil
}
