package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Generate sends prompt to the chat model and returns the reply text.
//
// A ResponseFormat in cfg is sent as a strict JSON schema. With cfg.Stream
// the reply is read as a stream of deltas and accumulated; the result is the
// same text. Extra keys are merged into the request body as is.
//
// Example:
//
//	cfg := ai.NewGenerateConfig(ai.WithModel("gpt-4o-mini"))
//	text, err := p.Generate(ctx, "Summarize: ...", cfg)
func (p *Provider) Generate(ctx context.Context, prompt string, cfg ai.GenerateConfig) (string, error) {
	if p.ChatClient == nil {
		return "", errors.New("openai chat client is not configured")
	}

	model := cfg.Model
	if model == "" {
		model = p.chatModel
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(cfg.SystemPrompts)+1)
	for _, sp := range cfg.SystemPrompts {
		msgs = append(msgs, openai.SystemMessage(sp))
	}
	msgs = append(msgs, openai.UserMessage(prompt))

	body := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    msgs,
		Temperature: openai.Float(cfg.Temperature),
	}
	if cfg.TopP > 0 {
		body.TopP = openai.Float(cfg.TopP)
	}
	if cfg.MaxTokensToSample > 0 {
		body.MaxCompletionTokens = openai.Int(int64(cfg.MaxTokensToSample))
	}
	if cfg.ResponseFormat != nil {
		body.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        cfg.ResponseFormat.Name,
					Description: openai.String(cfg.ResponseFormat.Description),
					Schema:      cfg.ResponseFormat.Schema,
					Strict:      openai.Bool(true),
				},
			},
		}
	}

	reqOpts := make([]option.RequestOption, 0, len(cfg.Extra))
	for k, v := range cfg.Extra {
		reqOpts = append(reqOpts, option.WithJSONSet(k, v))
	}

	rCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if cfg.Stream {
		return p.generateStream(rCtx, body, reqOpts)
	}

	start := time.Now()
	response, err := p.ChatClient.Chat.Completions.New(rCtx, body, reqOpts...)
	if err != nil {
		return "", wrapError(err)
	}
	duration := time.Since(start).Milliseconds()

	p.modifyMetrics(ai.ModelMetrics{
		InputTokens:  int(response.Usage.PromptTokens),
		OutputTokens: int(response.Usage.CompletionTokens),
		TotalTokens:  int(response.Usage.TotalTokens),
		DurationMs:   duration,
	})

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no choices in response from model")
	}
	message := response.Choices[0].Message.Content
	if message == "" {
		return "", fmt.Errorf("empty response from model (finish_reason: %s)", response.Choices[0].FinishReason)
	}
	return message, nil
}

func (p *Provider) generateStream(
	ctx context.Context,
	body openai.ChatCompletionNewParams,
	reqOpts []option.RequestOption,
) (string, error) {
	body.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	start := time.Now()
	stream := p.ChatClient.Chat.Completions.NewStreaming(ctx, body, reqOpts...)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		acc.AddChunk(stream.Current())
	}
	if err := stream.Err(); err != nil {
		return "", wrapError(err)
	}

	p.modifyMetrics(ai.ModelMetrics{
		InputTokens:  int(acc.Usage.PromptTokens),
		OutputTokens: int(acc.Usage.CompletionTokens),
		TotalTokens:  int(acc.Usage.TotalTokens),
		DurationMs:   time.Since(start).Milliseconds(),
	})

	if len(acc.Choices) == 0 || acc.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("empty streamed response from model")
	}
	return acc.Choices[0].Message.Content, nil
}
