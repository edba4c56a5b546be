package tracing

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Propagation header names. gRPC metadata keys are lowercase.
const (
	HeaderTraceID = "x-trace-id"
	HeaderSpanID  = "x-trace-span-id"
)

// TraceContext carries the trace id and the current parent span id across a
// call chain. It lives for one call and is never persisted.
type TraceContext struct {
	TraceID string
	SpanID  string
}

// Headers renders the context as propagation headers.
func (tc *TraceContext) Headers() map[string]string {
	if tc == nil || tc.TraceID == "" {
		return map[string]string{}
	}
	h := map[string]string{HeaderTraceID: tc.TraceID}
	if tc.SpanID != "" {
		h[HeaderSpanID] = tc.SpanID
	}
	return h
}

// FromHeaders reads a context from a header map. Header names are matched
// case-insensitively. ok is false when no trace id is present.
func FromHeaders(h map[string]string) (*TraceContext, bool) {
	tc := &TraceContext{}
	for k, v := range h {
		switch strings.ToLower(k) {
		case HeaderTraceID:
			tc.TraceID = strings.TrimSpace(v)
		case HeaderSpanID:
			tc.SpanID = strings.TrimSpace(v)
		}
	}
	if tc.TraceID == "" {
		return nil, false
	}
	return tc, true
}

// FromMetadata reads a context from incoming gRPC metadata.
func FromMetadata(md metadata.MD) (*TraceContext, bool) {
	ids := md.Get(HeaderTraceID)
	if len(ids) == 0 || strings.TrimSpace(ids[0]) == "" {
		return nil, false
	}
	tc := &TraceContext{TraceID: strings.TrimSpace(ids[0])}
	if spans := md.Get(HeaderSpanID); len(spans) > 0 {
		tc.SpanID = strings.TrimSpace(spans[0])
	}
	return tc, true
}

// ToMetadata appends the context to ctx's outgoing gRPC metadata.
func ToMetadata(ctx context.Context, tc *TraceContext) context.Context {
	if tc == nil || tc.TraceID == "" {
		return ctx
	}
	kv := []string{HeaderTraceID, tc.TraceID}
	if tc.SpanID != "" {
		kv = append(kv, HeaderSpanID, tc.SpanID)
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

type spanKey struct{}

// ContextWithSpan stores span in ctx.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanKey{}, span)
}

// SpanFromContext returns the span stored by ContextWithSpan, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// TraceContextFromContext returns the propagation context of the span in
// ctx, or nil.
func TraceContextFromContext(ctx context.Context) *TraceContext {
	if s := SpanFromContext(ctx); s != nil {
		return s.Context()
	}
	return nil
}
