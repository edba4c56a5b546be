package pipeline

import (
	"context"
	"errors"

	"github.com/cuemby/rpcguard/pkg/audit"
	"github.com/cuemby/rpcguard/pkg/log"
	"github.com/cuemby/rpcguard/pkg/metrics"
	"github.com/cuemby/rpcguard/pkg/ratelimit"
	"github.com/cuemby/rpcguard/pkg/rpcerr"
	"github.com/cuemby/rpcguard/pkg/tracing"
	"github.com/cuemby/rpcguard/pkg/validate"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Options selects the components of a Pipeline. Nil components are left out
// of the chain.
type Options struct {
	Metrics    *metrics.Recorder
	Audit      *audit.Logger
	Validator  *validate.Validator
	Limits     *ratelimit.Registry
	Tracer     *tracing.Tracer
	Principals audit.PrincipalResolver

	// TrustPrincipalHeader makes the default resolver accept x-principal
	// metadata. Leave it off unless a front proxy sets and strips the header.
	TrustPrincipalHeader bool

	// ReadOnly rejects every method that does not read.
	ReadOnly bool

	// Logger defaults to the "pipeline" component logger.
	Logger *zerolog.Logger
}

// Pipeline is the ordered middleware chain wrapped around every call:
//
//	Metrics > Logging > Audit > ReadOnly > Validation > RateLimit > Tracing > Recover > handler
//
// Outer stages observe the failures of inner ones, so a call rejected by
// validation or rate limiting is still audited and counted.
type Pipeline struct {
	opts   Options
	logger zerolog.Logger
	stages []Middleware
	chain  Middleware
}

// New assembles a Pipeline.
func New(opts Options) *Pipeline {
	p := &Pipeline{opts: opts, logger: log.WithComponent("pipeline")}
	if opts.Logger != nil {
		p.logger = *opts.Logger
	}
	if p.opts.Principals == nil {
		p.opts.Principals = audit.PrincipalFunc(ResolvePrincipal)
		if opts.TrustPrincipalHeader {
			p.opts.Principals = audit.PrincipalFunc(ResolvePrincipalWithHeader)
		}
	}

	if opts.Metrics != nil {
		p.stages = append(p.stages, Metrics(opts.Metrics))
	}
	p.stages = append(p.stages, Logging(p.logger))
	if opts.Audit != nil {
		p.stages = append(p.stages, Audit(opts.Audit))
	}
	if opts.ReadOnly {
		p.stages = append(p.stages, ReadOnly(opts.Metrics))
	}
	if opts.Validator != nil {
		p.stages = append(p.stages, Validation(opts.Validator, opts.Metrics))
	}
	if opts.Limits != nil {
		p.stages = append(p.stages, RateLimit(opts.Limits, opts.Metrics))
	}
	if opts.Tracer != nil {
		p.stages = append(p.stages, Tracing(opts.Tracer))
	}
	p.stages = append(p.stages, Recover(p.logger))

	p.chain = Chain(p.stages...)
	return p
}

// Stages returns the number of middleware in the chain.
func (p *Pipeline) Stages() int {
	return len(p.stages)
}

// Handle runs call through the chain and then h.
func (p *Pipeline) Handle(ctx context.Context, call *Call, h Handler) (any, error) {
	return p.chain(h)(ctx, call)
}

// NewCall builds a Call from an inbound gRPC context: headers and trace
// context from metadata, principal from the resolver, and a client id that
// falls back to the peer host for anonymous callers. The resolver outcome is
// counted as an authentication success or failure.
func (p *Pipeline) NewCall(ctx context.Context, fullMethod string, req any) *Call {
	call := NewCall(fullMethod, req)

	md, _ := metadata.FromIncomingContext(ctx)
	for k, v := range md {
		if len(v) > 0 {
			call.Headers[k] = v[0]
		}
	}

	if tc, ok := tracing.FromMetadata(md); ok {
		call.Trace = tc
	} else if p.opts.Tracer != nil {
		call.Trace = p.opts.Tracer.NewTrace()
	}

	call.Principal = audit.Unknown
	principal, err := p.opts.Principals.Principal(ctx)
	if err == nil && principal != "" {
		call.Principal = principal
	}
	if rec := p.opts.Metrics; rec != nil {
		switch {
		case call.Principal != audit.Unknown:
			rec.RecordAuthSuccess(call.Method)
		case err == nil || errors.Is(err, ErrNoPrincipal):
			rec.RecordAuthFailure(call.Method, "no_principal")
		default:
			rec.RecordAuthFailure(call.Method, "resolver_error")
		}
	}

	call.ClientID = call.Principal
	if call.ClientID == audit.Unknown {
		if host := peerHost(ctx); host != "" {
			call.ClientID = host
		}
	}
	return call
}

// UnaryServerInterceptor adapts the pipeline to gRPC. Errors leave as
// statuses carrying the taxonomy details; the trace context is returned in
// the response header.
func (p *Pipeline) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		call := p.NewCall(ctx, info.FullMethod, req)

		resp, err := p.Handle(ctx, call, func(ctx context.Context, call *Call) (any, error) {
			return handler(ctx, call.Request)
		})

		if call.Span != nil {
			// Fails only outside a gRPC server stream, as in direct calls from tests.
			_ = grpc.SetHeader(ctx, metadata.New(call.Span.Context().Headers()))
		}
		if err != nil {
			return nil, rpcerr.ToGRPCError(err)
		}
		return resp, nil
	}
}
