package tracing

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cuemby/rpcguard/pkg/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

// DefaultMaxTraces bounds how many traces the tracer retains for GetSpans.
const DefaultMaxTraces = 10000

const cacheName = "traces"

// Retention is split into shards so lookups of unrelated traces do not
// contend on one lock. Small caches keep a single shard and exact LRU order.
const (
	retentionShards = 16
	minShardSize    = 64
)

// ErrUnknownTrace is returned by ChildSpan for a trace the tracer does not hold.
var ErrUnknownTrace = errors.New("tracing: unknown trace")

// CacheRecorder receives trace-cache lookups and evictions.
type CacheRecorder interface {
	CacheHit(cache string)
	CacheMiss(cache string)
	CacheEviction(cache string)
}

// SpanProcessor is notified of every ended span.
type SpanProcessor interface {
	OnEnd(SpanData)
}

// trace holds the spans of one trace and the stack of its open spans.
type trace struct {
	mu    sync.Mutex
	spans []*Span
	stack []*Span
}

// Tracer creates spans and retains recent traces in sharded LRUs.
type Tracer struct {
	service   string
	now       func() time.Time
	newID     func() string
	processor SpanProcessor
	cache     CacheRecorder
	maxTraces int
	logger    zerolog.Logger

	shards []*traceShard
}

// traceShard is one slice of the retained traces.
type traceShard struct {
	createMu sync.Mutex
	traces   *lru.Cache
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// WithIDGenerator replaces the UUID generator used for trace and span ids.
func WithIDGenerator(gen func() string) Option {
	return func(t *Tracer) { t.newID = gen }
}

// WithProcessor sends ended spans to p, usually a BatchExporter.
func WithProcessor(p SpanProcessor) Option {
	return func(t *Tracer) { t.processor = p }
}

// WithCacheRecorder reports trace-cache activity to r.
func WithCacheRecorder(r CacheRecorder) Option {
	return func(t *Tracer) { t.cache = r }
}

// WithMaxTraces sets the retention bound.
func WithMaxTraces(n int) Option {
	return func(t *Tracer) {
		if n > 0 {
			t.maxTraces = n
		}
	}
}

// NewTracer creates a tracer for service.
func NewTracer(service string, opts ...Option) *Tracer {
	t := &Tracer{
		service:   service,
		now:       time.Now,
		newID:     uuid.NewString,
		maxTraces: DefaultMaxTraces,
		logger:    log.WithComponent("tracing"),
	}
	for _, opt := range opts {
		opt(t)
	}

	onEvict := func(key, _ interface{}) {
		if t.cache != nil {
			t.cache.CacheEviction(cacheName)
		}
		t.logger.Debug().Interface("trace_id", key).Msg("Trace evicted")
	}
	n := 1
	if t.maxTraces >= retentionShards*minShardSize {
		n = retentionShards
	}
	t.shards = make([]*traceShard, n)
	for i := range t.shards {
		size := t.maxTraces / n
		if i < t.maxTraces%n {
			size++
		}
		// NewWithEvict only fails for a non-positive size.
		c, _ := lru.NewWithEvict(size, onEvict)
		t.shards[i] = &traceShard{traces: c}
	}
	return t
}

func (t *Tracer) shardFor(traceID string) *traceShard {
	if len(t.shards) == 1 {
		return t.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(traceID))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Service returns the service name stamped on every span.
func (t *Tracer) Service() string { return t.service }

func (t *Tracer) lookup(traceID string) (*trace, bool) {
	return t.shardFor(traceID).lookup(traceID)
}

func (t *Tracer) getOrCreate(traceID string) *trace {
	return t.shardFor(traceID).getOrCreate(traceID)
}

func (s *traceShard) lookup(traceID string) (*trace, bool) {
	v, ok := s.traces.Get(traceID)
	if !ok {
		return nil, false
	}
	return v.(*trace), true
}

func (s *traceShard) getOrCreate(traceID string) *trace {
	if tr, ok := s.lookup(traceID); ok {
		return tr
	}
	s.createMu.Lock()
	defer s.createMu.Unlock()
	if tr, ok := s.lookup(traceID); ok {
		return tr
	}
	tr := &trace{}
	s.traces.Add(traceID, tr)
	return tr
}

// NewTrace mints a trace id without opening a span. A span started with
// the returned context becomes the trace's root.
func (t *Tracer) NewTrace() *TraceContext {
	return &TraceContext{TraceID: t.newID()}
}

// SpanOption configures a span at start.
type SpanOption func(*Span)

// WithAttributes sets initial attributes.
func WithAttributes(attrs map[string]any) SpanOption {
	return func(s *Span) { s.attrs = copyMap(attrs) }
}

// StartSpan opens a span. With a nil or empty parent a new trace is minted;
// otherwise the span joins parent's trace with parent.SpanID as its parent.
func (t *Tracer) StartSpan(name string, parent *TraceContext, opts ...SpanOption) *Span {
	s := &Span{
		spanID:  t.newID(),
		name:    name,
		service: t.service,
		start:   t.now(),
		status:  StatusPending,
		now:     t.now,
	}
	if parent != nil && parent.TraceID != "" {
		s.traceID = parent.TraceID
		s.parentID = parent.SpanID
	} else {
		s.traceID = t.newID()
	}
	for _, opt := range opts {
		opt(s)
	}

	tr := t.getOrCreate(s.traceID)
	tr.mu.Lock()
	tr.spans = append(tr.spans, s)
	tr.stack = append(tr.stack, s)
	tr.mu.Unlock()
	return s
}

// ChildSpan opens a span under the innermost open span of traceID. If the
// trace has no open span the new span has no parent.
func (t *Tracer) ChildSpan(traceID, name string, opts ...SpanOption) (*Span, error) {
	tr, ok := t.lookup(traceID)
	if !ok {
		return nil, ErrUnknownTrace
	}
	tr.mu.Lock()
	parent := &TraceContext{TraceID: traceID}
	if n := len(tr.stack); n > 0 {
		parent.SpanID = tr.stack[n-1].spanID
	}
	tr.mu.Unlock()
	return t.StartSpan(name, parent, opts...), nil
}

// Current returns the innermost open span of traceID, or nil.
func (t *Tracer) Current(traceID string) *Span {
	tr, ok := t.lookup(traceID)
	if !ok {
		return nil
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if n := len(tr.stack); n > 0 {
		return tr.stack[n-1]
	}
	return nil
}

// EndSpan closes span with status. A non-nil err forces StatusError and is
// recorded on the span. Ending a span twice returns ErrSpanEnded.
func (t *Tracer) EndSpan(span *Span, status Status, err error) error {
	if ferr := span.finish(status, err); ferr != nil {
		return ferr
	}

	if v, ok := t.shardFor(span.traceID).traces.Peek(span.traceID); ok {
		tr := v.(*trace)
		tr.mu.Lock()
		for i := len(tr.stack) - 1; i >= 0; i-- {
			if tr.stack[i] == span {
				tr.stack = append(tr.stack[:i], tr.stack[i+1:]...)
				break
			}
		}
		tr.mu.Unlock()
	}

	if t.processor != nil {
		t.processor.OnEnd(span.Data())
	}
	return nil
}

// GetSpans returns every span recorded for traceID in start order.
func (t *Tracer) GetSpans(traceID string) []SpanData {
	tr, ok := t.lookup(traceID)
	if !ok {
		if t.cache != nil {
			t.cache.CacheMiss(cacheName)
		}
		return nil
	}
	if t.cache != nil {
		t.cache.CacheHit(cacheName)
	}

	tr.mu.Lock()
	spans := append([]*Span(nil), tr.spans...)
	tr.mu.Unlock()

	out := make([]SpanData, 0, len(spans))
	for _, s := range spans {
		out = append(out, s.Data())
	}
	return out
}

// TraceCount returns the number of retained traces.
func (t *Tracer) TraceCount() int {
	n := 0
	for _, s := range t.shards {
		n += s.traces.Len()
	}
	return n
}
