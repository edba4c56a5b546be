/*
Package tracing implements the span model used by the rpcguard pipeline.

A Span records one timed operation: trace id, span id, optional parent span
id, operation name, service, start and end times, a status (pending, success,
error), attributes and an ordered list of events. Parent linkage is by id
only, so a trace is a forest of spans sharing a trace id. Once EndSpan has
been called a span is immutable and every mutation returns ErrSpanEnded.

# Tracer

The Tracer mints ids (UUIDv4), keeps the spans of each trace and a stack of
its open spans. ChildSpan uses the top of that stack as the parent; the
explicit parent id stays the source of truth for reconstruction. Each trace
has its own mutex. Traces are retained in an LRU of DefaultMaxTraces entries
(hashicorp/golang-lru) so GetSpans works after a call completes without
unbounded growth. Large caches are split into shards by trace id so unrelated
traces never share a lock; eviction order is then per shard.

# Propagation

Trace context travels in two headers, x-trace-id and x-trace-span-id, read
with FromMetadata on ingress and written with ToMetadata on egress.

# Export

BatchExporter collects ended spans and passes them to a Sink when the batch
reaches its size or on Flush/Shutdown. LogSink writes spans through zerolog and
WriterSink writes JSON lines. No backend wire format is implemented.

	exp := tracing.NewBatchExporter(tracing.LogSink{Logger: log.WithComponent("spans")}, 100)
	tracer := tracing.NewTracer("cluster-api", tracing.WithProcessor(exp))
	defer exp.Shutdown(context.Background())
*/
package tracing
