package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewProvider(NewProviderParams{
		ChatModel:      "test-chat",
		EmbeddingModel: "test-embed",
		ChatURL:        srv.URL,
		ChatKey:        "test-key",
	})
}

func TestGenerate_SendsConfigAndRecordsMetrics(t *testing.T) {
	var got map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "c1", "object": "chat.completion", "created": 1, "model": "test-chat",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "hello"}}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
		}`))
	})

	cfg := ai.NewGenerateConfig(ai.WithSystemPrompts("be brief"))
	cfg.Extra = map[string]any{"seed": 7}
	text, err := p.Generate(context.Background(), "hi", cfg)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "hello" {
		t.Fatalf("Generate() = %q, want hello", text)
	}
	if got["model"] != "test-chat" {
		t.Errorf("model = %v, want test-chat", got["model"])
	}
	if got["temperature"] != 0.1 {
		t.Errorf("temperature = %v, want 0.1", got["temperature"])
	}
	if got["max_completion_tokens"] != float64(1024) {
		t.Errorf("max_completion_tokens = %v, want 1024", got["max_completion_tokens"])
	}
	if got["seed"] != float64(7) {
		t.Errorf("seed passthrough = %v, want 7", got["seed"])
	}
	if msgs, ok := got["messages"].([]any); !ok || len(msgs) != 2 {
		t.Errorf("messages = %v, want system + user", got["messages"])
	}

	m := p.GetMetrics()
	if m.Requests != 1 || m.TotalTokens != 5 {
		t.Errorf("metrics = %+v, want 1 request and 5 tokens", m)
	}
	p.ResetMetrics()
	if p.GetMetrics().Requests != 0 {
		t.Error("ResetMetrics did not clear metrics")
	}
}

func TestGenerate_RateLimitIsTransient(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit"}}`))
	})

	_, err := p.Generate(context.Background(), "hi", ai.DefaultGenerateConfig())
	if err == nil {
		t.Fatal("expected error")
	}
	var statusErr *ai.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected StatusError 429, got %v", err)
	}
	if !ai.IsTransient(err) {
		t.Fatal("429 should be transient")
	}
}

func TestEmbed_OrderAndBlankInputs(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) != 2 {
			t.Errorf("expected blank input to be skipped, got %v", req.Input)
		}
		w.Header().Set("Content-Type", "application/json")
		// reversed on purpose; Index decides the position
		_, _ = w.Write([]byte(`{
			"object": "list", "model": "test-embed",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0, 1]},
				{"object": "embedding", "index": 0, "embedding": [1, 0]}
			],
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`))
	})

	out, err := p.Embed(context.Background(), []string{"a", " ", "b"}, ai.EmbedConfig{Dimensions: 3})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	want := [][]float32{{1, 0, 0}, {0, 0, 0}, {0, 1, 0}}
	for i := range want {
		for j := range want[i] {
			if out[i][j] != want[i][j] {
				t.Fatalf("Embed()[%d] = %v, want %v", i, out[i], want[i])
			}
		}
	}
}
