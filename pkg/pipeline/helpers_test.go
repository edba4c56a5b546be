package pipeline

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/rpcguard/pkg/audit"
	"github.com/cuemby/rpcguard/pkg/metrics"
	"github.com/cuemby/rpcguard/pkg/ratelimit"
	"github.com/cuemby/rpcguard/pkg/tracing"
	"github.com/cuemby/rpcguard/pkg/validate"
	"github.com/stretchr/testify/require"
)

const registerNode = "/cluster.v1.NodeService/RegisterNode"

type registerRequest struct {
	Hostname string `json:"hostname" validate:"required,hostname_rfc1123l"`
	Token    string `json:"token"`
}

// frozenClock keeps virtual time still so bucket refill does not depend on
// how fast the test runs.
type frozenClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFrozenClock() *frozenClock {
	return &frozenClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *frozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *frozenClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	pipeline *Pipeline
	rec      *metrics.Recorder
	sink     *audit.MemorySink
	tracer   *tracing.Tracer
	limits   *ratelimit.Registry
	clock    *frozenClock
}

func newFixture(t *testing.T, endpoints map[string]ratelimit.Config) *fixture {
	t.Helper()
	f := &fixture{
		rec:    metrics.NewRecorder(),
		sink:   audit.NewMemorySink(),
		tracer: tracing.NewTracer("cluster-api"),
		clock:  newFrozenClock(),
	}
	def := ratelimit.Config{RequestsPerSecond: 100, BurstSize: 200, Policy: ratelimit.PolicyStrict}.WithDefaults()
	f.limits = ratelimit.NewRegistry(def, endpoints, ratelimit.WithClock(f.clock.Now))
	f.pipeline = New(Options{
		Metrics:   f.rec,
		Audit:     audit.NewLogger(f.sink, audit.WithRecorder(f.rec)),
		Validator: validate.New(),
		Limits:    f.limits,
		Tracer:    f.tracer,
	})
	return f
}

func (f *fixture) events(t *testing.T) []audit.Event {
	t.Helper()
	events, err := f.sink.Events()
	require.NoError(t, err)
	return events
}

func ok(_ context.Context, _ *Call) (any, error) {
	return "ok", nil
}

func scrape(rec *metrics.Recorder) string {
	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	return w.Body.String()
}
