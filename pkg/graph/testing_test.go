package graph

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/ai/gateway"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// nameVectors gives the test entities fixed embeddings. ACME and ACME CORP
// are close enough to merge, everything else is orthogonal or zero.
var nameVectors = map[string][]float32{
	"ACME":        {1, 0, 0, 0},
	"ACME CORP":   {0.99, 0.05, 0, 0},
	"ALICE":       {0, 1, 0, 0},
	"SPRINGFIELD": {0, 0, 1, 0},
	"BOB":         {0, 0, 0, 1},
}

func vectorFor(text string) []float32 {
	name := text
	if i := strings.Index(text, " ("); i >= 0 {
		name = text[:i]
	}
	if v, ok := nameVectors[name]; ok {
		return v
	}
	return []float32{0, 0, 0, 0}
}

// scriptedProvider answers extraction prompts by looking at the document
// text only, so the examples inside the prompt never match.
type scriptedProvider struct {
	mu      sync.Mutex
	prompts []string
	respond func(text string) (string, error)
}

func promptText(prompt string) string {
	if i := strings.LastIndex(prompt, "**Text:**"); i >= 0 {
		text := prompt[i+len("**Text:**"):]
		if j := strings.Index(text, "# Output Formatting"); j >= 0 {
			text = text[:j]
		}
		return strings.TrimSpace(text)
	}
	return prompt
}

func (p *scriptedProvider) Generate(_ context.Context, prompt string, _ ai.GenerateConfig) (string, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()
	return p.respond(promptText(prompt))
}

func (p *scriptedProvider) Embed(_ context.Context, texts []string, _ ai.EmbedConfig) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = vectorFor(t)
	}
	return out, nil
}

func newTestGateway(t *testing.T, p ai.Provider) *gateway.Gateway {
	t.Helper()
	gw, err := gateway.New(p, gateway.Config{
		Backoff: util.Backoff{MaxAttempts: 2, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
	})
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}
	return gw
}

// fakeGateway serves canned responses without retries or ceilings.
type fakeGateway struct {
	response string
	err      error
}

func (f *fakeGateway) Generate(context.Context, ai.Role, string, ai.GenerateConfig) (string, error) {
	return f.response, f.err
}

func (f *fakeGateway) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = vectorFor(t)
	}
	return out, nil
}
