package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/rpcguard/pkg/rpcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsOnRetryableFailures(t *testing.T) {
	var transitions []string
	cfg := BreakerConfig{Name: "inventory", MaxRequests: 1, Timeout: time.Hour, ConsecutiveFailures: 3}
	b := NewBreaker(cfg, DefaultPolicy(), func(_, from, to string) {
		transitions = append(transitions, from+"->"+to)
	})

	fail := func(context.Context) error { return rpcerr.Connection("inventory:9000", "refused", time.Second) }
	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), fail)
		assert.True(t, rpcerr.IsKind(err, rpcerr.KindConnection))
	}
	assert.Equal(t, "open", b.State())
	assert.Equal(t, []string{"closed->open"}, transitions)

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	e, ok := rpcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, rpcerr.KindServiceUnavailable, e.Kind)
	assert.Equal(t, "inventory", e.Context["service"])
}

func TestBreakerIgnoresNonRetryable(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "api", ConsecutiveFailures: 2, Timeout: time.Hour}, DefaultPolicy(), nil)

	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error {
			return rpcerr.Validation("hostname", "bad", "x")
		})
	}
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, "api", b.Name())
}

func TestRetrierWithBreaker(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "db", ConsecutiveFailures: 2, Timeout: time.Hour}, DefaultPolicy(), nil)
	var waits []time.Duration
	r := New(fastPolicy(4), WithBreaker(b), WithSleep(recordSleep(&waits)))

	calls := 0
	err := r.Do(context.Background(), "query", func(context.Context) error {
		calls++
		return rpcerr.Database("select", "timeout", true)
	})

	assert.Equal(t, 2, calls, "breaker opens after two failures")
	assert.True(t, rpcerr.IsKind(err, rpcerr.KindServiceUnavailable))
	assert.Len(t, waits, 4)
}
