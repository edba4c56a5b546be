/*
Package pipeline composes the request-handling stages wrapped around every
RPC of the cluster API.

# Stages

A stage is a Middleware: a function from the next Handler to a new Handler.
Chain composes them so the first is outermost. New assembles the standard
order from whichever components are configured:

	Metrics     rpc_calls_total, durations, active connections
	Logging     one log line per failed call, level from error severity
	Audit       rpc_call before, rpc_success / rpc_error after
	ReadOnly    optional, rejects mutating methods
	Validation  struct tags and SelfValidator
	RateLimit   per-client token bucket on the endpoint's limiter
	Tracing     span per call, joined to the caller's trace
	Recover     handler panics become Internal

Because Metrics and Audit sit outside admission, a call rejected by
validation or rate limiting is still counted and audited exactly once.

# gRPC

UnaryServerInterceptor builds a Call from the incoming context (metadata,
trace headers, principal, peer address), runs the chain and converts errors
with rpcerr.ToStatus so clients receive ErrorInfo and RetryInfo details.
The trace context of the server span is returned in the response header.

UnaryClientInterceptor is the egress side: it opens a client span, sends
x-trace-id and x-trace-span-id, decodes taxonomy errors from status details
and retries the retryable kinds under a retry.Policy, optionally behind a
circuit breaker.

# Principals

ResolvePrincipal checks, in order, a principal stored with
ContextWithPrincipal and the common name of a verified mTLS client
certificate. The x-principal header is only read when
Options.TrustPrincipalHeader is set, for deployments behind a proxy that
owns the header. Unresolved callers are audited as "unknown" and rate
limited by peer host, without the source port.
*/
package pipeline
