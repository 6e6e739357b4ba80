package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrProviderUnavailable is returned when a provider call kept failing with
// transient errors until the retry budget was spent, or when the circuit
// breaker for the provider is open. It is a per-unit failure.
var ErrProviderUnavailable = errors.New("provider unavailable")

// Role names a class of provider usage. Every role has its own concurrency
// ceiling in the gateway.
type Role string

const (
	RoleExtraction Role = "extraction"
	RoleEnrichment Role = "enrichment"
	RoleSearch     Role = "search"
	RoleEmbedding  Role = "embedding"
)

// Roles lists every known role in a stable order.
var Roles = []Role{RoleExtraction, RoleEnrichment, RoleSearch, RoleEmbedding}

// ResponseFormat requests structured output following a JSON schema.
type ResponseFormat struct {
	Name        string
	Description string
	Schema      any
}

// GenerateConfig holds the parameters of one generation request.
type GenerateConfig struct {
	Model             string          `mapstructure:"model" json:"model"`
	Temperature       float64         `mapstructure:"temperature" json:"temperature"`
	TopP              float64         `mapstructure:"top_p" json:"top_p"`
	MaxTokensToSample int             `mapstructure:"max_tokens_to_sample" json:"max_tokens_to_sample"`
	Stream            bool            `mapstructure:"stream" json:"stream"`
	SystemPrompts     []string        `mapstructure:"system_prompts" json:"system_prompts,omitempty"`
	ResponseFormat    *ResponseFormat `mapstructure:"-" json:"-"`

	// Extra is passed through to the provider untouched.
	Extra map[string]any `mapstructure:"extra" json:"extra,omitempty"`
}

// DefaultGenerateConfig returns the generation defaults.
func DefaultGenerateConfig() GenerateConfig {
	return GenerateConfig{
		Temperature:       0.1,
		TopP:              1.0,
		MaxTokensToSample: 1024,
	}
}

// GenerateOption is a functional option for configuring generation requests.
type GenerateOption func(*GenerateConfig)

// NewGenerateConfig applies opts on top of DefaultGenerateConfig.
func NewGenerateConfig(opts ...GenerateOption) GenerateConfig {
	cfg := DefaultGenerateConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// With returns a copy of c with opts applied.
func (c GenerateConfig) With(opts ...GenerateOption) GenerateConfig {
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithModel sets the model to use for generation.
func WithModel(model string) GenerateOption {
	return func(o *GenerateConfig) {
		o.Model = model
	}
}

// WithSystemPrompts sets the system prompts to prepend to the request.
func WithSystemPrompts(prompts ...string) GenerateOption {
	return func(o *GenerateConfig) {
		o.SystemPrompts = prompts
	}
}

// WithTemperature sets the sampling temperature.
// Higher values (e.g., 1.0) produce more random outputs, while lower values
// (e.g., 0.2) make outputs more focused and deterministic.
func WithTemperature(temp float64) GenerateOption {
	return func(o *GenerateConfig) {
		o.Temperature = temp
	}
}

// WithMaxTokens sets the maximum number of tokens to sample.
func WithMaxTokens(n int) GenerateOption {
	return func(o *GenerateConfig) {
		o.MaxTokensToSample = n
	}
}

// WithResponseFormat requests JSON output matching the schema of out.
func WithResponseFormat(name, description string, out any) GenerateOption {
	return func(o *GenerateConfig) {
		o.ResponseFormat = &ResponseFormat{
			Name:        name,
			Description: description,
			Schema:      GenerateSchema(out),
		}
	}
}

// EmbedConfig holds the parameters of an embedding request.
type EmbedConfig struct {
	Model      string `mapstructure:"model" json:"model"`
	Dimensions int    `mapstructure:"dimensions" json:"dimensions,omitempty"`
}

// ModelMetrics contains performance metrics from AI model operations.
type ModelMetrics struct {
	Requests       int     `json:"requests"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	DurationMs     int64   `json:"duration_ms"`
	TokenPerSecond float32 `json:"tokens_per_second"`
}

// Add accumulates other into m and recomputes the throughput.
func (m *ModelMetrics) Add(other ModelMetrics) {
	m.Requests += other.Requests
	m.InputTokens += other.InputTokens
	m.OutputTokens += other.OutputTokens
	m.TotalTokens += other.TotalTokens
	m.DurationMs += other.DurationMs
	if m.DurationMs > 0 {
		m.TokenPerSecond = float32(m.OutputTokens) / (float32(m.DurationMs) / 1000)
	}
}

// Provider is the contract every model backend implements.
type Provider interface {
	Generate(ctx context.Context, prompt string, cfg GenerateConfig) (string, error)
	Embed(ctx context.Context, texts []string, cfg EmbedConfig) ([][]float32, error)
}

// MetricsReporter is implemented by providers that track token usage.
type MetricsReporter interface {
	GetMetrics() ModelMetrics
	ResetMetrics()
}

// StatusError carries the HTTP status of a failed provider call.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return http.StatusText(e.StatusCode) + ": " + e.Err.Error()
}

func (e *StatusError) Unwrap() error { return e.Err }

var transientPatterns = []string{
	"500", "internal server error",
	"502", "bad gateway",
	"503", "service unavailable",
	"504", "gateway timeout",
	"timeout",
	"connection reset",
	"connection refused",
	"temporary failure",
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
}

// IsTransient reports whether err is worth retrying: rate limits, server
// errors, timeouts and dropped connections. Context cancellation is never
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
