package openai

import (
	"errors"
	"sync"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Provider implements ai.Provider on top of an OpenAI compatible API.
// Chat and embedding endpoints may live on different hosts.
//
// A Provider should be created using NewProvider.
type Provider struct {
	chatModel      string
	embeddingModel string
	timeout        time.Duration

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewProviderParams defines the configuration parameters for creating
// a new Provider.
//
// ChatModel is used when a GenerateConfig does not name a model, and
// EmbeddingModel likewise for EmbedConfig. ChatURL and ChatKey configure the
// chat/completion API endpoint; EmbeddingURL and EmbeddingKey the embedding
// endpoint. An empty embedding endpoint falls back to the chat endpoint.
type NewProviderParams struct {
	ChatModel      string
	EmbeddingModel string

	ChatURL      string
	ChatKey      string
	EmbeddingURL string
	EmbeddingKey string

	Timeout time.Duration
}

// NewProvider creates and returns a new Provider configured with the
// provided parameters.
//
// Example:
//
//	p := openai.NewProvider(openai.NewProviderParams{
//		ChatModel:      "gpt-4o-mini",
//		EmbeddingModel: "text-embedding-3-small",
//		ChatKey:        os.Getenv("OPENAI_API_KEY"),
//	})
func NewProvider(params NewProviderParams) *Provider {
	if params.EmbeddingURL == "" && params.EmbeddingKey == "" {
		params.EmbeddingURL = params.ChatURL
		params.EmbeddingKey = params.ChatKey
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &Provider{
		chatModel:      params.ChatModel,
		embeddingModel: params.EmbeddingModel,
		timeout:        timeout,

		ChatClient:      newOpenaiClient(params.ChatURL, params.ChatKey),
		EmbeddingClient: newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" {
		return nil
	}
	// retries are handled by the gateway
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}

// wrapError attaches the HTTP status of API errors so the gateway can
// classify them.
func wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return &ai.StatusError{StatusCode: apiErr.StatusCode, Err: err}
	}
	return err
}

// ResetMetrics clears all accumulated token and timing metrics.
func (p *Provider) ResetMetrics() {
	p.metricsLock.Lock()
	defer p.metricsLock.Unlock()
	p.metrics = ai.ModelMetrics{}
}

// GetMetrics returns the accumulated token usage since the last reset.
func (p *Provider) GetMetrics() ai.ModelMetrics {
	p.metricsLock.Lock()
	defer p.metricsLock.Unlock()
	return p.metrics
}

func (p *Provider) modifyMetrics(m ai.ModelMetrics) {
	p.metricsLock.Lock()
	defer p.metricsLock.Unlock()
	m.Requests = 1
	p.metrics.Add(m)
}
