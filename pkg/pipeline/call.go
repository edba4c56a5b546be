package pipeline

import (
	"context"
	"time"

	"github.com/cuemby/rpcguard/pkg/audit"
	"github.com/cuemby/rpcguard/pkg/tracing"
)

// Call is the per-request state shared by every stage. Stages may fill in
// fields for the stages inside them (Tracing sets Span).
type Call struct {
	FullMethod string
	Service    string
	Method     string
	Principal  string
	ClientID   string
	Headers    map[string]string
	Request    any
	Trace      *tracing.TraceContext
	Span       *tracing.Span
	Start      time.Time

	// RateLimitWait is how long a graceful limiter held the call.
	RateLimitWait time.Duration
}

// NewCall creates a Call for fullMethod, deriving service and method from
// the routing path.
func NewCall(fullMethod string, req any) *Call {
	service, method := audit.ParseMethod(fullMethod)
	return &Call{
		FullMethod: fullMethod,
		Service:    service,
		Method:     method,
		Request:    req,
		Headers:    map[string]string{},
		Start:      time.Now(),
	}
}

// TraceID returns the id of the trace the call belongs to, if known.
func (c *Call) TraceID() string {
	if c.Span != nil {
		return c.Span.TraceID()
	}
	if c.Trace != nil {
		return c.Trace.TraceID
	}
	return ""
}

func (c *Call) auditInfo() audit.CallInfo {
	return audit.CallInfo{
		FullMethod: c.FullMethod,
		Principal:  c.Principal,
		TraceID:    c.TraceID(),
		ClientID:   c.ClientID,
	}
}

// Handler serves one call.
type Handler func(ctx context.Context, call *Call) (any, error)

// Middleware wraps a Handler with one cross-cutting concern.
type Middleware func(next Handler) Handler

// Chain composes middleware so that the first one is outermost.
func Chain(mw ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i](next)
		}
		return next
	}
}
