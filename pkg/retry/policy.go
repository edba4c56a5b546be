package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/rpcguard/pkg/log"
	"github.com/cuemby/rpcguard/pkg/rpcerr"
	"github.com/rs/zerolog"
)

// DefaultRetryable lists the kinds retried when a Policy names none.
var DefaultRetryable = []rpcerr.Kind{
	rpcerr.KindServiceUnavailable,
	rpcerr.KindConnection,
	rpcerr.KindDatabase,
}

// Policy describes exponential backoff.
type Policy struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
	Retryable    []rpcerr.Kind `yaml:"retryable"`
}

// DefaultPolicy is 3 retries starting at 1s, doubling, capped at 60s, with jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		Jitter:       true,
		Retryable:    DefaultRetryable,
	}
}

// Validate reports the first invalid field.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", p.MaxRetries)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %g", p.Multiplier)
	}
	for _, k := range p.Retryable {
		if _, ok := rpcerr.ParseKind(string(k)); !ok {
			return fmt.Errorf("unknown retryable kind %q", k)
		}
	}
	return nil
}

// Delay is the un-jittered wait before retry number attempt (0-indexed):
// min(InitialDelay * Multiplier^attempt, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// IsRetryable reports whether err's kind is in the retryable set.
func (p Policy) IsRetryable(err error) bool {
	kinds := p.Retryable
	if len(kinds) == 0 {
		kinds = DefaultRetryable
	}
	k := rpcerr.KindOf(err)
	for _, r := range kinds {
		if r == k {
			return true
		}
	}
	return false
}

// Retrier runs operations under a Policy.
type Retrier struct {
	policy  Policy
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() float64
	onRetry func(attempt int, err error, delay time.Duration)
	breaker *Breaker
	logger  zerolog.Logger
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithSleep replaces the context-aware timer.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = sleep }
}

// WithRandom replaces the [0,1) source used for jitter.
func WithRandom(f func() float64) Option {
	return func(r *Retrier) { r.jitter = f }
}

// WithOnRetry is called before each wait with the 1-based retry number.
func WithOnRetry(f func(attempt int, err error, delay time.Duration)) Option {
	return func(r *Retrier) { r.onRetry = f }
}

// WithBreaker routes every attempt through b.
func WithBreaker(b *Breaker) Option {
	return func(r *Retrier) { r.breaker = b }
}

// New creates a Retrier.
func New(p Policy, opts ...Option) *Retrier {
	var mu sync.Mutex
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	r := &Retrier{
		policy: p,
		sleep:  sleepContext,
		jitter: func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return src.Float64()
		},
		logger: log.WithComponent("retry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the retrier's policy.
func (r *Retrier) Policy() Policy { return r.policy }

// Do runs op at most MaxRetries+1 times. Only retryable kinds are retried.
// When attempts are exhausted or the error is not retryable, the last error
// is returned unchanged. A cancelled wait returns ctx's error.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry %s cancelled after %d attempts: %w", name, attempt, err)
			}
			return err
		}

		lastErr = r.attempt(ctx, op)
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info().Str("operation", name).Int("attempt", attempt+1).Msg("Operation succeeded after retry")
			}
			return nil
		}
		if attempt == r.policy.MaxRetries || !r.policy.IsRetryable(lastErr) {
			break
		}

		delay := r.delay(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt+1, lastErr, delay)
		}
		r.logger.Warn().
			Str("operation", name).
			Int("attempt", attempt+1).
			Int("max_attempts", r.policy.MaxRetries+1).
			Dur("delay", delay).
			Err(lastErr).
			Msg("Retrying operation")

		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry %s cancelled after %d attempts: %w", name, attempt+1, err)
		}
	}
	return lastErr
}

func (r *Retrier) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if r.breaker != nil {
		return r.breaker.Execute(ctx, op)
	}
	return op(ctx)
}

// delay applies jitter in [0.5, 1.0] to the policy delay.
func (r *Retrier) delay(attempt int) time.Duration {
	d := r.policy.Delay(attempt)
	if r.policy.Jitter {
		d = time.Duration(float64(d) * (0.5 + 0.5*r.jitter()))
	}
	return d
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, r *Retrier, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Do runs op under p with default options.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	return New(p).Do(ctx, "operation", op)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
