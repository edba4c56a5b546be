package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/cuemby/rpcguard/pkg/audit"
	"github.com/cuemby/rpcguard/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditCompleteness(t *testing.T) {
	const total = 1000
	f := newFixture(t, nil)

	// "hot" has an empty bucket for the whole run.
	f.limits.SetClientConfig("hot", registerNode, ratelimit.Config{RequestsPerSecond: 1, BurstSize: 1, Policy: ratelimit.PolicyStrict})
	drained, _ := f.limits.TryAcquire("hot", registerNode, 1)
	require.True(t, drained)

	want := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		call := NewCall(registerNode, &registerRequest{Hostname: fmt.Sprintf("node-%d", i)})
		call.ClientID = fmt.Sprintf("client-%d", i)
		switch i % 3 {
		case 0:
			want["success"]++
		case 1:
			call.Request = &registerRequest{Hostname: "-invalid-"}
			want["validation"]++
		case 2:
			call.ClientID = "hot"
			want["rate_limit"]++
		}

		wg.Add(1)
		go func(call *Call) {
			defer wg.Done()
			_, _ = f.pipeline.Handle(context.Background(), call, ok)
		}(call)
	}
	wg.Wait()

	events := f.events(t)
	got := map[string]int{}
	var calls, terminal int
	for _, e := range events {
		switch e.EventType {
		case audit.EventCall:
			calls++
		case audit.EventSuccess:
			terminal++
			got["success"]++
		case audit.EventError:
			terminal++
			got[e.ErrorKind]++
		}
	}

	assert.Equal(t, total, calls)
	assert.Equal(t, total, terminal)
	assert.Equal(t, want, got)

	text := scrape(f.rec)
	assert.Contains(t, text, fmt.Sprintf(`rpc_calls_total{method="RegisterNode",service="cluster.v1.NodeService",status="success"} %d`, want["success"]))
	assert.Contains(t, text, fmt.Sprintf(`rate_limit_exceeded_total{client_id="hot",endpoint="RegisterNode"} %d`, want["rate_limit"]))
	assert.Contains(t, text, `rpc_active_connections 0`)
}
