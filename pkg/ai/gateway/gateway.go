// Package gateway puts concurrency ceilings, rate limits, retries and a
// circuit breaker in front of an ai.Provider. Every pipeline stage talks to
// the model through a Gateway and names the role it calls for.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/ai"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultMaxConcurrent = 4
	defaultBatchSize     = 64
)

// RoleLimits bounds the calls of one role. RequestsPerSecond 0 disables
// rate limiting.
type RoleLimits struct {
	MaxConcurrent     int64   `mapstructure:"max_concurrent" validate:"gte=0"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
}

// BreakerConfig configures the circuit breaker shared by all roles.
// The breaker opens once at least MinRequests calls were counted in the
// current Interval and the share of transient failures reaches FailureRatio.
type BreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio" validate:"gte=0,lte=1"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Config configures a Gateway.
type Config struct {
	Roles     map[ai.Role]RoleLimits `mapstructure:"roles" validate:"dive"`
	Backoff   util.Backoff           `mapstructure:"backoff"`
	Breaker   BreakerConfig          `mapstructure:"breaker"`
	BatchSize int                    `mapstructure:"batch_size" validate:"gte=0"`
	Embed     ai.EmbedConfig         `mapstructure:"embed"`
}

// RoleStats counts the calls made for one role.
type RoleStats struct {
	Calls       int64 `json:"calls"`
	Failures    int64 `json:"failures"`
	Unavailable int64 `json:"unavailable"`
}

type roleSlot struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	calls       atomic.Int64
	failures    atomic.Int64
	unavailable atomic.Int64
}

func (s *roleSlot) acquire(ctx context.Context) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return s.sem.Acquire(ctx, 1)
}

func (s *roleSlot) release() {
	s.sem.Release(1)
}

// Gateway is the single entry point to the model provider.
// It is safe for concurrent use.
type Gateway struct {
	provider  ai.Provider
	roles     map[ai.Role]*roleSlot
	backoff   util.Backoff
	breaker   *gobreaker.CircuitBreaker
	batchSize int
	embedCfg  ai.EmbedConfig
}

// New wraps provider. Roles without limits get a ceiling of 4 concurrent
// calls; a zero Backoff means util.DefaultBackoff.
func New(provider ai.Provider, cfg Config) (*Gateway, error) {
	if provider == nil {
		return nil, errors.New("gateway: provider is nil")
	}

	roles := make(map[ai.Role]*roleSlot, len(ai.Roles))
	for _, r := range ai.Roles {
		limits, ok := cfg.Roles[r]
		if !ok || limits.MaxConcurrent <= 0 {
			limits.MaxConcurrent = defaultMaxConcurrent
		}
		slot := &roleSlot{sem: semaphore.NewWeighted(limits.MaxConcurrent)}
		if limits.RequestsPerSecond > 0 {
			burst := limits.Burst
			if burst <= 0 {
				burst = 1
			}
			slot.limiter = rate.NewLimiter(rate.Limit(limits.RequestsPerSecond), burst)
		}
		roles[r] = slot
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	backoff := cfg.Backoff
	if backoff.MaxAttempts == 0 {
		backoff = util.DefaultBackoff()
	}

	g := &Gateway{
		provider:  provider,
		roles:     roles,
		backoff:   backoff,
		batchSize: batchSize,
		embedCfg:  cfg.Embed,
	}
	if cfg.Breaker.Enabled {
		g.breaker = newBreaker(cfg.Breaker)
	}
	return g, nil
}

func newBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	ratio := cfg.FailureRatio
	if ratio <= 0 {
		ratio = 0.6
	}
	st := gobreaker.Settings{
		Name:        "provider",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		// only transient errors say something about provider health
		IsSuccessful: func(err error) bool {
			return err == nil || !ai.IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("[Gateway] circuit breaker changed state", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return gobreaker.NewCircuitBreaker(st)
}

// Generate runs one generation call for role.
func (g *Gateway) Generate(ctx context.Context, role ai.Role, prompt string, cfg ai.GenerateConfig) (string, error) {
	return call(ctx, g, role, func(ctx context.Context) (string, error) {
		return g.provider.Generate(ctx, prompt, cfg)
	})
}

// Embed embeds texts in batches of the configured size. Batches run
// concurrently within the embedding ceiling; the output order equals the
// input order.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	eg, ectx := errgroup.WithContext(ctx)
	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		batch := texts[start:end]
		offset := start
		eg.Go(func() error {
			vectors, err := call(ectx, g, ai.RoleEmbedding, func(ctx context.Context) ([][]float32, error) {
				return g.provider.Embed(ctx, batch, g.embedCfg)
			})
			if err != nil {
				return err
			}
			if len(vectors) != len(batch) {
				return fmt.Errorf("embedding batch size mismatch: got %d want %d", len(vectors), len(batch))
			}
			copy(out[offset:], vectors)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedOne embeds a single text.
func (g *Gateway) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	out, err := g.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Stats returns the call counters of role.
func (g *Gateway) Stats(role ai.Role) RoleStats {
	slot, ok := g.roles[role]
	if !ok {
		return RoleStats{}
	}
	return RoleStats{
		Calls:       slot.calls.Load(),
		Failures:    slot.failures.Load(),
		Unavailable: slot.unavailable.Load(),
	}
}

// Metrics returns the token usage reported by the provider, if it tracks any.
func (g *Gateway) Metrics() ai.ModelMetrics {
	if r, ok := g.provider.(ai.MetricsReporter); ok {
		return r.GetMetrics()
	}
	return ai.ModelMetrics{}
}

// ResetMetrics clears the provider's token usage.
func (g *Gateway) ResetMetrics() {
	if r, ok := g.provider.(ai.MetricsReporter); ok {
		r.ResetMetrics()
	}
}

func call[T any](ctx context.Context, g *Gateway, role ai.Role, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	slot, ok := g.roles[role]
	if !ok {
		return zero, fmt.Errorf("gateway: unknown role %q", role)
	}

	result, exhausted, err := util.RetryWithBackoff(ctx, g.backoff, ai.IsTransient, func(ctx context.Context) (T, error) {
		if err := slot.acquire(ctx); err != nil {
			return zero, err
		}
		defer slot.release()

		slot.calls.Add(1)
		res, err := execute(ctx, g.breaker, fn)
		if err != nil {
			slot.failures.Add(1)
		}
		return res, err
	})
	if err == nil {
		return result, nil
	}

	if exhausted || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		slot.unavailable.Add(1)
		logger.Warn("[Gateway] provider unavailable", "role", role, "err", err)
		return zero, fmt.Errorf("%w: role %s: %w", ai.ErrProviderUnavailable, role, err)
	}
	return zero, err
}

func execute[T any](ctx context.Context, breaker *gobreaker.CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	if breaker == nil {
		return fn(ctx)
	}
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}
