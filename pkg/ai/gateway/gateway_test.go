package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProvider struct {
	mu        sync.Mutex
	inFlight  int
	maxFlight int
	calls     atomic.Int64
	batches   [][]string

	delay    time.Duration
	generate func(call int64, prompt string) (string, error)
}

func (f *fakeProvider) enter() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	f.mu.Unlock()
}

func (f *fakeProvider) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeProvider) Generate(ctx context.Context, prompt string, _ ai.GenerateConfig) (string, error) {
	n := f.calls.Add(1)
	f.enter()
	defer f.leave()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.generate != nil {
		return f.generate(n, prompt)
	}
	return "ok:" + prompt, nil
}

func (f *fakeProvider) Embed(_ context.Context, texts []string, _ ai.EmbedConfig) ([][]float32, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func fastBackoff(attempts int) util.Backoff {
	return util.Backoff{MaxAttempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
}

func newGateway(t *testing.T, p ai.Provider, cfg Config) *Gateway {
	t.Helper()
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = fastBackoff(3)
	}
	g, err := New(p, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func TestGenerate_ConcurrencyCeiling(t *testing.T) {
	p := &fakeProvider{delay: 20 * time.Millisecond}
	g := newGateway(t, p, Config{Roles: map[ai.Role]RoleLimits{ai.RoleExtraction: {MaxConcurrent: 2}}})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Generate(context.Background(), ai.RoleExtraction, "x", ai.DefaultGenerateConfig()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Generate() error = %v", err)
	}

	if p.maxFlight > 2 {
		t.Fatalf("max in-flight calls = %d, want at most 2", p.maxFlight)
	}
	if got := g.Stats(ai.RoleExtraction).Calls; got != 10 {
		t.Fatalf("calls = %d, want 10", got)
	}
}

func TestGenerate_RolesAreIndependent(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	p := &fakeProvider{generate: func(_ int64, prompt string) (string, error) {
		if prompt == "block" {
			close(started)
			<-release
		}
		return prompt, nil
	}}
	g := newGateway(t, p, Config{Roles: map[ai.Role]RoleLimits{
		ai.RoleExtraction: {MaxConcurrent: 1},
		ai.RoleSearch:     {MaxConcurrent: 1},
	}})

	done := make(chan error, 1)
	go func() {
		_, err := g.Generate(context.Background(), ai.RoleExtraction, "block", ai.DefaultGenerateConfig())
		done <- err
	}()
	<-started

	if _, err := g.Generate(context.Background(), ai.RoleSearch, "fast", ai.DefaultGenerateConfig()); err != nil {
		t.Fatalf("search call blocked by extraction: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := g.Generate(ctx, ai.RoleExtraction, "waits", ai.DefaultGenerateConfig()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second extraction call should wait for the slot, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("blocked call error = %v", err)
	}
}

func TestGenerate_RetriesTransientErrors(t *testing.T) {
	p := &fakeProvider{generate: func(n int64, prompt string) (string, error) {
		if n < 3 {
			return "", &ai.StatusError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("busy")}
		}
		return "done", nil
	}}
	g := newGateway(t, p, Config{Backoff: fastBackoff(3)})

	got, err := g.Generate(context.Background(), ai.RoleEnrichment, "x", ai.DefaultGenerateConfig())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "done" || p.calls.Load() != 3 {
		t.Fatalf("got %q after %d calls, want done after 3", got, p.calls.Load())
	}
}

func TestGenerate_ExhaustionIsProviderUnavailable(t *testing.T) {
	p := &fakeProvider{generate: func(int64, string) (string, error) {
		return "", errors.New("429 too many requests")
	}}
	g := newGateway(t, p, Config{Backoff: fastBackoff(2)})

	_, err := g.Generate(context.Background(), ai.RoleExtraction, "x", ai.DefaultGenerateConfig())
	if !errors.Is(err, ai.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if p.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", p.calls.Load())
	}
	if s := g.Stats(ai.RoleExtraction); s.Unavailable != 1 || s.Failures != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestGenerate_PermanentErrorIsNotRetried(t *testing.T) {
	permanent := errors.New("invalid request")
	p := &fakeProvider{generate: func(int64, string) (string, error) { return "", permanent }}
	g := newGateway(t, p, Config{})

	_, err := g.Generate(context.Background(), ai.RoleExtraction, "x", ai.DefaultGenerateConfig())
	if !errors.Is(err, permanent) || errors.Is(err, ai.ErrProviderUnavailable) {
		t.Fatalf("expected the permanent error unwrapped, got %v", err)
	}
	if p.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", p.calls.Load())
	}
}

func TestGenerate_BreakerFailsFast(t *testing.T) {
	p := &fakeProvider{generate: func(int64, string) (string, error) {
		return "", errors.New("connection refused")
	}}
	g := newGateway(t, p, Config{
		Backoff: fastBackoff(1),
		Breaker: BreakerConfig{Enabled: true, MinRequests: 2, FailureRatio: 0.5, Timeout: time.Hour},
	})

	for range 2 {
		if _, err := g.Generate(context.Background(), ai.RoleSearch, "x", ai.DefaultGenerateConfig()); !errors.Is(err, ai.ErrProviderUnavailable) {
			t.Fatalf("expected ErrProviderUnavailable, got %v", err)
		}
	}
	_, err := g.Generate(context.Background(), ai.RoleSearch, "x", ai.DefaultGenerateConfig())
	if !errors.Is(err, ai.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable from open breaker, got %v", err)
	}
	if p.calls.Load() != 2 {
		t.Fatalf("provider called %d times, want 2 (breaker open)", p.calls.Load())
	}
}

func TestGenerate_CanceledContext(t *testing.T) {
	p := &fakeProvider{}
	g := newGateway(t, p, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Generate(ctx, ai.RoleExtraction, "x", ai.DefaultGenerateConfig())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if p.calls.Load() != 0 {
		t.Fatal("provider must not be called after cancellation")
	}
}

func TestGenerate_UnknownRole(t *testing.T) {
	g := newGateway(t, &fakeProvider{}, Config{})
	if _, err := g.Generate(context.Background(), ai.Role("other"), "x", ai.DefaultGenerateConfig()); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestEmbed_BatchesPreserveOrder(t *testing.T) {
	p := &fakeProvider{}
	g := newGateway(t, p, Config{BatchSize: 2})

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	out, err := g.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	for i, t0 := range texts {
		if out[i][0] != float32(len(t0)) {
			t.Fatalf("out[%d] = %v, want %d", i, out[i], len(t0))
		}
	}
	if len(p.batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(p.batches))
	}
	for _, b := range p.batches {
		if len(b) > 2 {
			t.Fatalf("batch too large: %s", strings.Join(b, ","))
		}
	}
}

func TestNew_NilProvider(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error for nil provider")
	}
}
