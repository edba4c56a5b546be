package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/rpcguard/pkg/log"
	"github.com/cuemby/rpcguard/pkg/rpcerr"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	Name string `yaml:"name"`
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32 `yaml:"max_requests"`
	// Interval clears the failure counts while closed. Zero never clears.
	Interval time.Duration `yaml:"interval"`
	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration `yaml:"timeout"`
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
}

// DefaultBreakerConfig trips after 5 consecutive failures and lets a trial call through after 30s.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker wraps gobreaker. Only retryable kinds count as failures, so a
// burst of validation errors never opens it.
type Breaker struct {
	name   string
	policy Policy
	cb     *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker. onChange, if set, receives state names
// ("closed", "half-open", "open") on every transition.
func NewBreaker(cfg BreakerConfig, p Policy, onChange func(name, from, to string)) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	logger := log.WithComponent("breaker")
	b := &Breaker{name: cfg.Name, policy: p}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !p.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			if onChange != nil {
				onChange(name, from.String(), to.String())
			}
		},
	})
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

// Execute runs op unless the breaker is open. Rejections surface as
// service_unavailable errors so callers can retry them later.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return rpcerr.Wrap(rpcerr.ServiceUnavailable(b.name, "circuit breaker "+b.State()), err)
	}
	return err
}
