package pipeline

import (
	"context"
	"time"

	"github.com/cuemby/rpcguard/pkg/metrics"
	"github.com/cuemby/rpcguard/pkg/retry"
	"github.com/cuemby/rpcguard/pkg/rpcerr"
	"github.com/cuemby/rpcguard/pkg/tracing"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ClientOptions configures UnaryClientInterceptor. Every field is optional.
type ClientOptions struct {
	Tracer  *tracing.Tracer
	Policy  *retry.Policy
	Breaker *retry.Breaker
	Metrics *metrics.Recorder

	// Sleep replaces the retry timer, mostly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// UnaryClientInterceptor wraps outgoing calls made by the service: each call
// gets a child span whose context is sent as trace headers, and failures
// whose status details decode to a retryable kind are retried under the
// policy. Callers always receive a gRPC status error.
func UnaryClientInterceptor(opts ClientOptions) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		parent := tracing.TraceContextFromContext(ctx)
		outgoing := parent

		var span *tracing.Span
		if opts.Tracer != nil {
			attrs := map[string]any{"rpc.kind": "client"}
			if cc != nil {
				attrs["peer"] = cc.Target()
			}
			span = opts.Tracer.StartSpan(method, parent, tracing.WithAttributes(attrs))
			outgoing = span.Context()
		}
		ctx = tracing.ToMetadata(ctx, outgoing)

		invoke := func(ctx context.Context) error {
			err := invoker(ctx, method, req, reply, cc, callOpts...)
			if err == nil {
				return nil
			}
			if e, ok := rpcerr.FromError(err); ok {
				return rpcerr.Wrap(e, err)
			}
			return err
		}

		var err error
		if opts.Policy != nil {
			retryOpts := []retry.Option{retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
				if opts.Metrics != nil {
					opts.Metrics.RecordRetry(method, string(rpcerr.KindOf(err)))
				}
				if span != nil {
					_ = span.AddEvent("retry", "warn", map[string]any{
						"attempt":  attempt,
						"delay_ms": delay.Milliseconds(),
						"kind":     string(rpcerr.KindOf(err)),
					})
				}
			})}
			if opts.Breaker != nil {
				retryOpts = append(retryOpts, retry.WithBreaker(opts.Breaker))
			}
			if opts.Sleep != nil {
				retryOpts = append(retryOpts, retry.WithSleep(opts.Sleep))
			}
			err = retry.New(*opts.Policy, retryOpts...).Do(ctx, method, invoke)
		} else {
			err = invoke(ctx)
		}

		if span != nil {
			st := tracing.StatusSuccess
			if err != nil {
				st = tracing.StatusError
			}
			_ = opts.Tracer.EndSpan(span, st, err)
		}
		return clientError(err)
	}
}

// clientError restores the original status of a decoded remote error and
// converts local failures (open breaker, cancelled wait) to statuses.
func clientError(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := rpcerr.As(err); ok && e.Cause != nil {
		if _, isStatus := status.FromError(e.Cause); isStatus {
			return e.Cause
		}
	}
	return rpcerr.ToGRPCError(err)
}
