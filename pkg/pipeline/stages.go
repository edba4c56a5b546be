package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cuemby/rpcguard/pkg/audit"
	"github.com/cuemby/rpcguard/pkg/log"
	"github.com/cuemby/rpcguard/pkg/metrics"
	"github.com/cuemby/rpcguard/pkg/ratelimit"
	"github.com/cuemby/rpcguard/pkg/rpcerr"
	"github.com/cuemby/rpcguard/pkg/tracing"
	"github.com/cuemby/rpcguard/pkg/validate"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Metrics tracks every call, whatever stage it fails in.
func Metrics(rec *metrics.Recorder) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (any, error) {
			tracker := rec.Track(call.Service, call.Method)
			resp, err := next(ctx, call)
			tracker.Done(err)
			return resp, err
		}
	}
}

// Logging logs failed calls at the level implied by the error severity and
// successful calls at debug.
func Logging(logger zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (any, error) {
			resp, err := next(ctx, call)
			l := log.WithMethod(logger, call.Service, call.Method)
			l = log.WithTraceID(log.WithClientID(l, call.ClientID), call.TraceID())
			if err != nil {
				rpcerr.Log(l, err, map[string]any{
					"principal":   call.Principal,
					"headers":     call.Headers,
					"duration_ms": time.Since(call.Start).Milliseconds(),
				})
				return resp, err
			}
			l.Debug().Dur("duration", time.Since(call.Start)).Msg("rpc completed")
			return resp, nil
		}
	}
}

// Audit emits rpc_call before the inner stages run and exactly one terminal
// event afterwards. An unresolved principal is asked of the logger's resolver.
func Audit(logger *audit.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (any, error) {
			if call.Principal == "" || call.Principal == audit.Unknown {
				call.Principal = logger.Principal(ctx)
			}
			start := time.Now()
			logger.Call(ctx, call.auditInfo(), call.Request)
			resp, err := next(ctx, call)
			logger.Result(ctx, call.auditInfo(), err, time.Since(start))
			return resp, err
		}
	}
}

// Validation rejects malformed requests. rec may be nil.
func Validation(v *validate.Validator, rec *metrics.Recorder) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (any, error) {
			if err := v.Request(call.Request); err != nil {
				if rec != nil {
					rule, reason := "request", validate.ReasonFormat
					if e, ok := rpcerr.As(err); ok {
						if s, ok := e.Context["rule"].(string); ok {
							rule = s
						}
						if s, ok := e.Context["reason_code"].(string); ok {
							reason = s
						}
					}
					rec.RecordValidationFailure(rule, reason)
				}
				return nil, err
			}
			return next(ctx, call)
		}
	}
}

// RateLimit takes one token from the caller's bucket on the call's endpoint
// limiter. rec may be nil.
func RateLimit(reg *ratelimit.Registry, rec *metrics.Recorder) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (any, error) {
			d, err := reg.Allow(ctx, call.ClientID, call.FullMethod)
			if rec != nil {
				if rpcerr.IsKind(err, rpcerr.KindRateLimit) {
					rec.RecordRateLimitExceeded(call.ClientID, call.Method)
				}
				rec.SetRateLimitRemaining(call.ClientID, d.Remaining)
			}
			if err != nil {
				return nil, err
			}
			call.RateLimitWait = d.Waited
			return next(ctx, call)
		}
	}
}

// Tracing opens a span for the call, joining the caller's trace when one was
// propagated, and ends it with the call's outcome.
func Tracing(t *tracing.Tracer) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (any, error) {
			span := t.StartSpan(call.FullMethod, call.Trace, tracing.WithAttributes(map[string]any{
				"rpc.service": call.Service,
				"rpc.method":  call.Method,
				"client_id":   call.ClientID,
				"principal":   call.Principal,
			}))
			call.Span = span
			ctx = tracing.ContextWithSpan(ctx, span)
			if call.RateLimitWait > 0 {
				_ = span.AddEvent("rate limit wait", "info", map[string]any{"waited_ms": call.RateLimitWait.Milliseconds()})
			}

			resp, err := next(ctx, call)

			st := tracing.StatusSuccess
			if err != nil {
				st = tracing.StatusError
				_ = span.SetAttribute("error.kind", string(rpcerr.KindOf(err)))
			}
			_ = t.EndSpan(span, st, err)
			return resp, err
		}
	}
}

// Recover turns a handler panic into an Internal status.
func Recover(logger zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (resp any, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().
						Str("method", call.FullMethod).
						Interface("panic", r).
						Bytes("stack", debug.Stack()).
						Msg("handler panicked")
					resp = nil
					err = status.Error(codes.Internal, fmt.Sprintf("internal error in %s", call.Method))
				}
			}()
			return next(ctx, call)
		}
	}
}
