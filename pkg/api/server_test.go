package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/rpcguard/pkg/metrics"
	"github.com/cuemby/rpcguard/pkg/ratelimit"
	"github.com/cuemby/rpcguard/pkg/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv    *Server
	health *metrics.HealthChecker
	rec    *metrics.Recorder
	limits *ratelimit.Registry
	tracer *tracing.Tracer
}

func newTestServer(t *testing.T, rps float64, burst int) *testServer {
	t.Helper()
	ts := &testServer{
		health: metrics.NewHealthChecker("test", "grpc"),
		rec:    metrics.NewRecorder(),
		limits: ratelimit.NewRegistry(
			ratelimit.Config{RequestsPerSecond: 10, BurstSize: 20}.WithDefaults(),
			map[string]ratelimit.Config{
				"RegisterNode": {RequestsPerSecond: 1, BurstSize: 2},
			}),
		tracer: tracing.NewTracer("cluster-api"),
	}
	ts.srv = NewServer(Options{
		Health:  ts.health,
		Metrics: ts.rec,
		Limits:  ts.limits,
		Tracer:  ts.tracer,
		RPS:     rps,
		Burst:   burst,
	})
	return ts
}

func (ts *testServer) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthRoutes(t *testing.T) {
	ts := newTestServer(t, 0, 0)

	w := ts.do(http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ts.health.Update("grpc", true, "")
	w = ts.do(http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	w = ts.do(http.MethodGet, "/live")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer(t, 0, 0)
	ts.rec.RecordRateLimitExceeded("c1", "RegisterNode")

	w := ts.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded_total")
}

func TestRateLimitRoutes(t *testing.T) {
	ts := newTestServer(t, 0, 0)

	w := ts.do(http.MethodGet, "/v1/ratelimit/clients")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	ok, _ := ts.limits.TryAcquire("node-b", "/cluster.v1.NodeService/RegisterNode", 1)
	require.True(t, ok)
	ok, _ = ts.limits.TryAcquire("node-a", "/cluster.v1.NodeService/ListNodes", 1)
	require.True(t, ok)

	w = ts.do(http.MethodGet, "/v1/ratelimit/clients")
	require.Equal(t, http.StatusOK, w.Code)
	var all []ratelimit.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all, 2)
	assert.Equal(t, "node-a", all[0].ClientID)
	assert.Equal(t, "default", all[0].Endpoint)
	assert.Equal(t, "node-b", all[1].ClientID)
	assert.Equal(t, "RegisterNode", all[1].Endpoint)
	assert.Equal(t, 1, all[1].Remaining)

	w = ts.do(http.MethodGet, "/v1/ratelimit/clients?endpoint=RegisterNode")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all, 1)
	assert.Equal(t, "node-b", all[0].ClientID)

	w = ts.do(http.MethodGet, "/v1/ratelimit/clients/node-b")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"burst_size":2`)

	w = ts.do(http.MethodGet, "/v1/ratelimit/clients/nobody")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")

	w = ts.do(http.MethodDelete, "/v1/ratelimit/clients/node-b")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(http.MethodGet, "/v1/ratelimit/clients/node-b")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEndpointsRoute(t *testing.T) {
	ts := newTestServer(t, 0, 0)

	w := ts.do(http.MethodGet, "/v1/ratelimit/endpoints")
	require.Equal(t, http.StatusOK, w.Code)

	var out []endpointView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "default", out[0].Endpoint)
	assert.Equal(t, "RegisterNode", out[1].Endpoint)
	assert.Equal(t, 2, out[1].Config.BurstSize)
}

func TestTraceRoute(t *testing.T) {
	ts := newTestServer(t, 0, 0)

	root := ts.tracer.StartSpan("RegisterNode", nil)
	require.NoError(t, ts.tracer.EndSpan(root, tracing.StatusSuccess, nil))

	w := ts.do(http.MethodGet, "/v1/traces/"+root.TraceID())
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		TraceID string             `json:"trace_id"`
		Spans   []tracing.SpanData `json:"spans"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, root.TraceID(), body.TraceID)
	require.Len(t, body.Spans, 1)
	assert.Equal(t, "RegisterNode", body.Spans[0].Name)

	w = ts.do(http.MethodGet, "/v1/traces/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestThrottleOnlyAppliesToV1(t *testing.T) {
	ts := newTestServer(t, 0.001, 2)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/v1/ratelimit/clients").Code)
	}
	w := ts.do(http.MethodGet, "/v1/ratelimit/clients")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_ERROR")

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/live").Code)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "1.1.1.1:80", "10.0.0.1"},
		{"real ip", map[string]string{"X-Real-IP": "10.0.0.9"}, "1.1.1.1:80", "10.0.0.9"},
		{"remote addr", nil, "192.168.1.5:4321", "192.168.1.5"},
		{"remote without port", nil, "192.168.1.5", "192.168.1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(r))
		})
	}
}

func TestThrottleSeparatesClients(t *testing.T) {
	th := NewThrottle(0.001, 1)
	assert.True(t, th.Allow("a"))
	assert.False(t, th.Allow("a"))
	assert.True(t, th.Allow("b"))
}

func TestThrottleBoundsEntries(t *testing.T) {
	th := NewThrottle(1, 1)
	for i := 0; i < maxThrottleEntries; i++ {
		th.Allow("10.0." + strconv.Itoa(i))
	}
	th.mu.Lock()
	assert.Len(t, th.limiters, maxThrottleEntries)
	th.mu.Unlock()

	th.Allow("fresh")
	th.mu.Lock()
	assert.Len(t, th.limiters, 1)
	th.mu.Unlock()
}

func TestServeAndShutdown(t *testing.T) {
	ts := newTestServer(t, 0, 0)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ts.srv.Serve(lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/live")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ts.srv.Shutdown(context.Background()))
	assert.NoError(t, <-done)
}

func TestShutdownBeforeServe(t *testing.T) {
	ts := newTestServer(t, 0, 0)
	require.NoError(t, ts.srv.Shutdown(context.Background()))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.NoError(t, ts.srv.Serve(lis))
}
