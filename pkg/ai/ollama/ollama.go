package ollama

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"

	"github.com/ollama/ollama/api"
)

// Provider implements ai.Provider using Ollama as the backend.
type Provider struct {
	chatModel      string
	embeddingModel string
	timeout        time.Duration

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	Client *api.Client
}

// NewProviderParams contains configuration options for creating a new Provider.
type NewProviderParams struct {
	ChatModel      string
	EmbeddingModel string

	BaseURL string
	ApiKey  string

	Timeout time.Duration
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		// don't overwrite if already set
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewProvider creates a new Ollama provider. It connects to the server at
// BaseURL, or the default Ollama address if empty.
func NewProvider(params NewProviderParams) (*Provider, error) {
	var (
		u   *url.URL
		err error
	)

	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	} else {
		u = &url.URL{Scheme: "http", Host: "127.0.0.1:11434"}
	}

	headers := map[string]string{}
	if params.ApiKey != "" {
		headers["Authorization"] = "Bearer " + params.ApiKey
	}
	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: headers,
			rt:      http.DefaultTransport,
		},
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &Provider{
		chatModel:      params.ChatModel,
		embeddingModel: params.EmbeddingModel,
		timeout:        timeout,

		Client: api.NewClient(u, httpClient),
	}, nil
}

func wrapError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode != 0 {
		return &ai.StatusError{StatusCode: statusErr.StatusCode, Err: err}
	}
	return err
}

// ResetMetrics clears all accumulated token and timing metrics to zero.
func (p *Provider) ResetMetrics() {
	p.metricsLock.Lock()
	defer p.metricsLock.Unlock()
	p.metrics = ai.ModelMetrics{}
}

// GetMetrics returns the accumulated token usage and timing metrics since the last reset.
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
