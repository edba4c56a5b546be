package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/rpcguard/pkg/redact"
	"github.com/cuemby/rpcguard/pkg/rpcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type countingRecorder struct {
	mu      sync.Mutex
	events  map[string]int
	dropped int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{events: map[string]int{}}
}

func (r *countingRecorder) RecordAuditEvent(t string) {
	r.mu.Lock()
	r.events[t]++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordAuditDropped() {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

type failingSink struct{}

func (failingSink) Write(context.Context, []byte) error { return errors.New("disk full") }
func (failingSink) Close() error                        { return nil }

func fixedClock() func() time.Time {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in      string
		service string
		method  string
	}{
		{"/proto.NodeService/RegisterNode", "proto.NodeService", "RegisterNode"},
		{"/grpc.health.v1.Health/Check", "grpc.health.v1.Health", "Check"},
		{"proto.NodeService/RegisterNode", Unknown, Unknown},
		{"/proto.NodeService", Unknown, Unknown},
		{"/a/b/c", Unknown, Unknown},
		{"//Method", Unknown, Unknown},
		{"", Unknown, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			service, method := ParseMethod(tt.in)
			assert.Equal(t, tt.service, service)
			assert.Equal(t, tt.method, method)
		})
	}
}

func TestLoggerCallAndResult(t *testing.T) {
	sink := NewMemorySink()
	rec := newCountingRecorder()
	l := NewLogger(sink, WithRecorder(rec), WithClock(fixedClock()))

	info := CallInfo{FullMethod: "/proto.NodeService/RegisterNode", Principal: "node-1", TraceID: "t-1", ClientID: "node-1"}
	l.Call(context.Background(), info, map[string]any{"hostname": "n1", "token": "join-secret"})
	l.Result(context.Background(), info, nil, 1500*time.Microsecond)
	l.Call(context.Background(), info, nil)
	l.Result(context.Background(), info, rpcerr.Validation("hostname", "bad", "x"), time.Millisecond)

	events, err := sink.Events()
	require.NoError(t, err)
	require.Len(t, events, 4)

	call := events[0]
	assert.Equal(t, EventCall, call.EventType)
	assert.Equal(t, OutcomeAttempt, call.Outcome)
	assert.Equal(t, "node-1", call.Principal)
	assert.Equal(t, "proto.NodeService", call.Service)
	assert.Equal(t, "RegisterNode", call.Method)
	assert.Equal(t, "t-1", call.TraceID)
	assert.JSONEq(t, `{"hostname":"n1","token":"***"}`, call.Payload)
	assert.False(t, call.Terminal())

	ok := events[1]
	assert.Equal(t, EventSuccess, ok.EventType)
	assert.Equal(t, 1.5, ok.DurationMS)
	assert.True(t, ok.Terminal())

	failed := events[3]
	assert.Equal(t, EventError, failed.EventType)
	assert.Equal(t, OutcomeError, failed.Outcome)
	assert.Equal(t, "validation", failed.ErrorKind)

	assert.Equal(t, 2, rec.events["rpc_call"])
	assert.Equal(t, 1, rec.events["rpc_success"])
	assert.Equal(t, 1, rec.events["rpc_error"])
	assert.Zero(t, rec.dropped)
}

func TestEmptyPrincipalIsUnknown(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(sink)
	l.Call(context.Background(), CallInfo{FullMethod: "bad"}, nil)

	events, err := sink.Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Unknown, events[0].Principal)
	assert.Equal(t, Unknown, events[0].Service)
	assert.Equal(t, Unknown, events[0].Method)
}

func TestPrincipalResolver(t *testing.T) {
	ctx := context.Background()

	l := NewLogger(NewMemorySink())
	assert.Equal(t, Unknown, l.Principal(ctx))

	l = NewLogger(NewMemorySink(), WithResolver(PrincipalFunc(func(context.Context) (string, error) {
		return "admin@cluster", nil
	})))
	assert.Equal(t, "admin@cluster", l.Principal(ctx))

	l = NewLogger(NewMemorySink(), WithResolver(PrincipalFunc(func(context.Context) (string, error) {
		return "", errors.New("no auth context")
	})))
	assert.Equal(t, Unknown, l.Principal(ctx))
}

func TestPayloadRedaction(t *testing.T) {
	assert.Empty(t, Payload(nil))

	nested := map[string]any{
		"node":   map[string]any{"auth": map[string]any{"api_key": "k", "Password": "p"}},
		"labels": []string{"a"},
	}
	assert.JSONEq(t, `{"node":{"auth":{"api_key":"***","Password":"***"}},"labels":["a"]}`, Payload(nested))

	msg, err := structpb.NewStruct(map[string]any{"secret": "s", "name": "vm-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"secret":"***","name":"vm-1"}`, Payload(msg))

	assert.Contains(t, Payload(make(chan int)), "unserializable")
}

func TestPayloadMasksStructuredSecrets(t *testing.T) {
	in := map[string]any{
		"secret": map[string]any{"value": "s3cr3t"},
		"token":  []string{"tok-123"},
		"node":   "n1",
	}
	out := Payload(in)
	assert.JSONEq(t, `{"node":"n1","secret":"***","token":"***"}`, out)
	assert.NotContains(t, out, "s3cr3t")
	assert.NotContains(t, out, "tok-123")

	msg, err := structpb.NewStruct(map[string]any{
		"api_key": map[string]any{"id": "k-1", "material": "m"},
		"name":    "vm-1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"api_key":"***","name":"vm-1"}`, Payload(msg))

	line, err := Encode(Event{EventType: EventCall, Payload: out})
	require.NoError(t, err)
	assert.Equal(t, string(line), redact.JSON(string(line)))
}

func TestEncodedLineIsRedacted(t *testing.T) {
	line, err := Encode(Event{EventType: EventCall, Payload: Payload(map[string]string{"password": "hunter2"})})
	require.NoError(t, err)
	assert.NotContains(t, string(line), "hunter2")
	assert.Equal(t, string(line), redact.JSON(string(line)))
}

func TestSinkFailureIsSwallowed(t *testing.T) {
	rec := newCountingRecorder()
	l := NewLogger(failingSink{}, WithRecorder(rec))

	assert.NotPanics(t, func() {
		l.Call(context.Background(), CallInfo{FullMethod: "/a.B/C"}, nil)
		l.Result(context.Background(), CallInfo{FullMethod: "/a.B/C"}, nil, 0)
	})
	assert.Equal(t, 2, rec.dropped)
	assert.Empty(t, rec.events)
}

func TestConcurrentLogging(t *testing.T) {
	sink := NewMemorySink()
	l := NewLogger(sink)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info := CallInfo{FullMethod: "/a.B/C"}
			l.Call(context.Background(), info, nil)
			l.Result(context.Background(), info, nil, 0)
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, sink.Len())
}

func TestSignerChain(t *testing.T) {
	sink := NewMemorySink()
	signer := NewSigner([]byte("k"), "")
	l := NewLogger(sink, WithSigner(signer), WithClock(fixedClock()))

	info := CallInfo{FullMethod: "/a.B/C", Principal: "p"}
	l.Call(context.Background(), info, map[string]string{"key": "v"})
	l.Result(context.Background(), info, errors.New("boom"), time.Millisecond)
	l.Call(context.Background(), info, nil)

	events, err := sink.Events()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, GenesisHash, events[0].PrevHash)
	assert.Equal(t, events[0].Signature, events[1].PrevHash)
	assert.Equal(t, events[2].Signature, signer.Last())

	verifier := NewSigner([]byte("k"), "")
	require.NoError(t, verifier.Verify(events))

	tampered := append([]Event(nil), events...)
	tampered[1].Principal = "mallory"
	assert.ErrorIs(t, verifier.Verify(tampered), ErrChainBroken)

	assert.ErrorIs(t, verifier.Verify(events[1:]), ErrChainBroken)
	assert.ErrorIs(t, NewSigner([]byte("other"), "").Verify(events), ErrChainBroken)
}

func TestSignerSkipsDroppedEvents(t *testing.T) {
	signer := NewSigner([]byte("k"), "")
	l := NewLogger(failingSink{}, WithSigner(signer))
	l.Call(context.Background(), CallInfo{FullMethod: "/a.B/C"}, nil)
	assert.Equal(t, GenesisHash, signer.Last())
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	sink, err := OpenFileSink(path)
	require.NoError(t, err)

	l := NewLogger(sink)
	l.Call(context.Background(), CallInfo{FullMethod: "/a.B/C"}, map[string]string{"api_key": "k"})
	l.Result(context.Background(), CallInfo{FullMethod: "/a.B/C"}, nil, 0)
	require.NoError(t, l.Close())

	sink, err = OpenFileSink(path)
	require.NoError(t, err)
	NewLogger(sink).Call(context.Background(), CallInfo{FullMethod: "/a.B/D"}, nil)
	require.NoError(t, sink.Close())

	events := readFile(t, path)
	require.Len(t, events, 3)
	assert.JSONEq(t, `{"api_key":"***"}`, events[0].Payload)
	assert.Equal(t, "D", events[2].Method)
}

func TestBoltSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := OpenBoltSink(path)
	require.NoError(t, err)

	_, found, err := sink.Last()
	require.NoError(t, err)
	assert.False(t, found)

	signer := NewSigner([]byte("k"), "")
	l := NewLogger(sink, WithSigner(signer))
	for _, m := range []string{"A", "B", "C"} {
		l.Call(context.Background(), CallInfo{FullMethod: "/svc.S/" + m}, nil)
	}
	require.NoError(t, sink.Close())

	sink, err = OpenBoltSink(path)
	require.NoError(t, err)
	defer sink.Close()

	n, err := sink.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	events, err := sink.Events()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{events[0].Method, events[1].Method, events[2].Method})
	require.NoError(t, NewSigner([]byte("k"), "").Verify(events))

	last, found, err := sink.Last()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, signer.Last(), last.Signature)
}

func TestChainHeadResumesBoltChain(t *testing.T) {
	cfg := Config{Sink: SinkBolt, Path: filepath.Join(t.TempDir(), "audit.db"), AsyncBuffer: 8, SigningKey: "k"}

	sink, err := cfg.Open(nil)
	require.NoError(t, err)
	head, err := ChainHead(sink)
	require.NoError(t, err)
	assert.Empty(t, head)

	l := NewLogger(sink, WithSigner(cfg.Signer(head)))
	l.Call(context.Background(), CallInfo{FullMethod: "/svc.S/A"}, nil)
	require.NoError(t, l.Close())

	sink, err = cfg.Open(nil)
	require.NoError(t, err)
	head, err = ChainHead(sink)
	require.NoError(t, err)
	require.NotEmpty(t, head)

	l = NewLogger(sink, WithSigner(cfg.Signer(head)))
	l.Call(context.Background(), CallInfo{FullMethod: "/svc.S/B"}, nil)
	require.NoError(t, l.Close())

	bolt, err := OpenBoltSink(cfg.Path)
	require.NoError(t, err)
	defer bolt.Close()
	events, err := bolt.Events()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NoError(t, NewSigner([]byte("k"), "").Verify(events))

	head, err = ChainHead(NewMemorySink())
	require.NoError(t, err)
	assert.Empty(t, head)
}

func TestChainHeadResumesFileChain(t *testing.T) {
	cfg := Config{Sink: SinkFile, Path: filepath.Join(t.TempDir(), "audit.log"), AsyncBuffer: 8, SigningKey: "k"}

	for i, method := range []string{"A", "B", "C"} {
		sink, err := cfg.Open(nil)
		require.NoError(t, err)
		head, err := ChainHead(sink)
		require.NoError(t, err)
		if i == 0 {
			assert.Empty(t, head, "a new file starts a new chain")
		} else {
			assert.NotEmpty(t, head)
		}

		l := NewLogger(sink, WithSigner(cfg.Signer(head)))
		info := CallInfo{FullMethod: "/svc.S/" + method}
		l.Call(context.Background(), info, nil)
		l.Result(context.Background(), info, nil, time.Millisecond)
		require.NoError(t, l.Close())
	}

	events := readFile(t, cfg.Path)
	require.Len(t, events, 6)
	assert.NoError(t, NewSigner([]byte("k"), "").Verify(events))
}

func TestFileSinkLastReadsAcrossChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := OpenFileSink(path)
	require.NoError(t, err)
	defer sink.Close()

	_, found, err := sink.Last()
	require.NoError(t, err)
	assert.False(t, found)

	l := NewLogger(sink)
	big := map[string]string{"note": strings.Repeat("x", 10000)}
	l.Call(context.Background(), CallInfo{FullMethod: "/svc.S/First"}, big)
	l.Call(context.Background(), CallInfo{FullMethod: "/svc.S/Second"}, big)

	last, found, err := sink.Last()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Second", last.Method)

	_, found, err = NewWriterSink(io.Discard).Last()
	require.NoError(t, err)
	assert.False(t, found)
}

// methodGateSink blocks writes for one service until released.
type methodGateSink struct {
	blocked string
	started chan struct{}
	release chan struct{}
	inner   *MemorySink
}

func (g *methodGateSink) Write(ctx context.Context, line []byte) error {
	if bytes.Contains(line, []byte(`"service":"`+g.blocked+`"`)) {
		close(g.started)
		<-g.release
	}
	return g.inner.Write(ctx, line)
}

func (g *methodGateSink) Close() error { return nil }

func TestUnsignedWritesDoNotWaitOnEachOther(t *testing.T) {
	sink := &methodGateSink{
		blocked: "a.SlowSvc",
		started: make(chan struct{}),
		release: make(chan struct{}),
		inner:   NewMemorySink(),
	}
	l := NewLogger(sink)

	go l.Call(context.Background(), CallInfo{FullMethod: "/a.SlowSvc/X"}, nil)
	<-sink.started

	done := make(chan struct{})
	go func() {
		l.Call(context.Background(), CallInfo{FullMethod: "/a.FastSvc/Y"}, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unrelated audit write waited on a blocked sink write")
	}

	close(sink.release)
	require.Eventually(t, func() bool { return sink.inner.Len() == 2 }, time.Second, 5*time.Millisecond)
}

type gateSink struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	inner   *MemorySink
}

func (g *gateSink) Write(ctx context.Context, line []byte) error {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.inner.Write(ctx, line)
}

func (g *gateSink) Close() error { return nil }

func TestAsyncSinkDrainsOnClose(t *testing.T) {
	mem := NewMemorySink()
	async := NewAsyncSink(mem, 200, nil)
	l := NewLogger(async)

	for i := 0; i < 100; i++ {
		l.Call(context.Background(), CallInfo{FullMethod: "/a.B/C"}, nil)
	}
	require.NoError(t, async.Close())
	assert.Equal(t, 100, mem.Len())

	assert.ErrorIs(t, async.Write(context.Background(), []byte("{}")), ErrSinkClosed)
	assert.NoError(t, async.Close())
}

func TestAsyncSinkBufferFull(t *testing.T) {
	gate := &gateSink{started: make(chan struct{}), release: make(chan struct{}), inner: NewMemorySink()}
	async := NewAsyncSink(gate, 1, nil)
	ctx := context.Background()

	require.NoError(t, async.Write(ctx, []byte(`{"n":1}`)))
	<-gate.started
	require.NoError(t, async.Write(ctx, []byte(`{"n":2}`)))
	assert.ErrorIs(t, async.Write(ctx, []byte(`{"n":3}`)), ErrBufferFull)

	close(gate.release)
	require.NoError(t, async.Close())
	assert.Equal(t, 2, gate.inner.Len())
}

func TestAsyncSinkReportsDownstreamErrors(t *testing.T) {
	var (
		mu   sync.Mutex
		errs int
	)
	async := NewAsyncSink(failingSink{}, 4, func(error) {
		mu.Lock()
		errs++
		mu.Unlock()
	})
	require.NoError(t, async.Write(context.Background(), []byte("{}")))
	require.NoError(t, async.Close())
	assert.Equal(t, 1, errs)
}

func TestTee(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	require.NoError(t, Tee(a, b).Write(context.Background(), []byte("{}")))
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())

	err := Tee(a, failingSink{}).Write(context.Background(), []byte("{}"))
	assert.Error(t, err)
	assert.Equal(t, 2, a.Len())
}

func TestConfig(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Sink: SinkFile}.Validate())
	assert.Error(t, Config{Sink: "kafka"}.Validate())
	assert.Error(t, Config{Sink: SinkMemory, AsyncBuffer: -1}.Validate())

	sink, err := Config{Sink: SinkMemory, AsyncBuffer: 8}.Open(nil)
	require.NoError(t, err)
	_, isAsync := sink.(*AsyncSink)
	assert.True(t, isAsync)
	require.NoError(t, sink.Close())

	sink, err = Config{Sink: SinkBolt, Path: filepath.Join(t.TempDir(), "a.db")}.Open(nil)
	require.NoError(t, err)
	_, isBolt := sink.(*BoltSink)
	assert.True(t, isBolt)
	require.NoError(t, sink.Close())

	assert.Nil(t, Config{}.Signer(""))
	assert.NotNil(t, Config{SigningKey: "k"}.Signer(""))
}
