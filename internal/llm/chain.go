package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spigell/hh-interviewer/internal/metrics"
)

const (
	defaultTimeout  = 20 * time.Second
	defaultCooldown = 30 * time.Second
)

// Backend is one entry of a Chain.
type Backend struct {
	Generator Generator
	// Limiter optionally bounds the request rate to this backend.
	Limiter *rate.Limiter
}

type backendState struct {
	Backend
	failedAt time.Time
}

// Chain calls backends in order until one succeeds. The backend that last
// succeeded is tried first on the next call.
type Chain struct {
	backends []*backendState
	timeout  time.Duration
	cooldown time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	preferred int
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithTimeout bounds every backend call.
func WithTimeout(d time.Duration) ChainOption {
	return func(c *Chain) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCooldown sets how long a failed backend is reported unhealthy.
func WithCooldown(d time.Duration) ChainOption {
	return func(c *Chain) {
		if d >= 0 {
			c.cooldown = d
		}
	}
}

// WithLogger sets the chain logger.
func WithLogger(logger *zap.Logger) ChainOption {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChain builds a chain from backends in priority order. Nil generators are skipped.
func NewChain(backends []Backend, opts ...ChainOption) *Chain {
	c := &Chain{
		timeout:  defaultTimeout,
		cooldown: defaultCooldown,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, b := range backends {
		if b.Generator == nil {
			continue
		}
		c.backends = append(c.backends, &backendState{Backend: b})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chain) Name() string {
	return "chain"
}

// Len returns the number of configured backends.
func (c *Chain) Len() int {
	return len(c.backends)
}

// Healthy reports whether at least one backend is outside its failure cooldown.
func (c *Chain) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, b := range c.backends {
		if b.failedAt.IsZero() || now.Sub(b.failedAt) >= c.cooldown {
			return true
		}
	}
	return false
}

// Preferred returns the name of the backend tried first.
func (c *Chain) Preferred() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.backends) == 0 {
		return ""
	}
	return c.backends[c.preferred].Generator.Name()
}

// Generate tries the backends in order, starting from the last successful one.
func (c *Chain) Generate(ctx context.Context, prompt string, cfg GenerateConfig) (string, error) {
	if len(c.backends) == 0 {
		return "", &GenerationError{Backend: c.Name(), Kind: KindUnavailable, Err: ErrNoBackends}
	}

	out, idx, err := TryInOrder(ctx, c.order(), func(ctx context.Context, i int) (string, error) {
		return c.call(ctx, c.backends[i], prompt, cfg)
	})
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.preferred = idx
	c.backends[idx].failedAt = time.Time{}
	c.mu.Unlock()

	return out, nil
}

func (c *Chain) order() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	order := make([]int, 0, len(c.backends))
	order = append(order, c.preferred)
	for i := range c.backends {
		if i != c.preferred {
			order = append(order, i)
		}
	}
	return order
}

func (c *Chain) call(ctx context.Context, b *backendState, prompt string, cfg GenerateConfig) (string, error) {
	name := b.Generator.Name()

	if b.Limiter != nil {
		if err := b.Limiter.Wait(ctx); err != nil {
			return "", &GenerationError{Backend: name, Kind: KindUnavailable, Err: err}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := b.Generator.Generate(callCtx, prompt, cfg)
	if err == nil && strings.TrimSpace(out) == "" {
		err = &GenerationError{Backend: name, Kind: KindEmpty}
	}

	if err != nil {
		genErr := classify(callCtx, name, err)
		c.mu.Lock()
		b.failedAt = c.now()
		c.mu.Unlock()

		metrics.GenerationRequests.WithLabelValues(name, string(genErr.Kind)).Inc()
		c.logger.Warn("generation backend failed",
			zap.String("backend", name),
			zap.String("kind", string(genErr.Kind)),
			zap.Error(err),
		)
		return "", genErr
	}

	metrics.GenerationRequests.WithLabelValues(name, "ok").Inc()
	return strings.TrimSpace(out), nil
}

func classify(ctx context.Context, name string, err error) *GenerationError {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		if genErr.Backend == "" {
			genErr.Backend = name
		}
		return genErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &GenerationError{Backend: name, Kind: KindTimeout, Err: err}
	}
	return &GenerationError{Backend: name, Kind: KindBackend, Err: err}
}

// TryInOrder calls fn for each index in order and returns the first success
// together with the index that produced it. It stops early when ctx is done.
func TryInOrder[T any](ctx context.Context, order []int, fn func(context.Context, int) (T, error)) (T, int, error) {
	var zero T
	var errs []error

	for _, i := range order {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		out, err := fn(ctx, i)
		if err == nil {
			return out, i, nil
		}
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return zero, -1, &GenerationError{Backend: "chain", Kind: KindUnavailable, Err: ErrNoBackends}
	}

	last := errs[len(errs)-1]
	var genErr *GenerationError
	if errors.As(last, &genErr) {
		return zero, -1, &GenerationError{Backend: genErr.Backend, Kind: genErr.Kind, Err: errors.Join(errs...)}
	}
	return zero, -1, &GenerationError{Backend: "chain", Kind: KindTimeout, Err: errors.Join(errs...)}
}
