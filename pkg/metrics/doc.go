/*
Package metrics records the pipeline's Prometheus metrics and serves process
health.

# Recorder

A Recorder owns a private prometheus.Registry holding every metric, so several
pipelines (or tests) never collide on registration. The exposition endpoint is
Recorder.Handler, which serves the Prometheus text format through promhttp.

	┌──────────────────── RECORDER ─────────────────────────────┐
	│                                                            │
	│  Calls        rpc_calls_total{service,method,status}       │
	│               rpc_call_duration_seconds{service,method}    │
	│               rpc_call_exceptions_total{service,method,    │
	│                                         exception_type}    │
	│               rpc_active_connections                       │
	│                                                            │
	│  Auth         auth_success_total{method}                   │
	│               auth_failures_total{method,reason}           │
	│               authz_successes_total{resource,action,role}  │
	│               authz_failures_total{resource,action,role}   │
	│                                                            │
	│  Admission    validation_failures_total{field_type,        │
	│                                         error_reason}      │
	│               rate_limit_exceeded_total{client_id,endpoint}│
	│               rate_limit_remaining{client_id}              │
	│               rate_limit_clients{endpoint}                 │
	│                                                            │
	│  Caches       cache_hits_total{cache_name}                 │
	│               cache_misses_total{cache_name}               │
	│               cache_evictions_total{cache_name,reason}     │
	│               tracer_retained_traces                       │
	│                                                            │
	│  TLS          tls_certificate_expiry_days{certificate_name}│
	│               tls_handshake_failures_total{reason}         │
	│                                                            │
	│  Resilience   retry_attempts_total{operation,error_kind}   │
	│               circuit_breaker_state{name}                  │
	│                                                            │
	│  Audit        audit_events_total{event_type}               │
	│               audit_events_dropped_total                   │
	└────────────────────────────────────────────────────────────┘

Label names are part of the scrape contract and do not change.

# Call tracking

Track and Done bracket a call. Track raises the active-connection gauge; Done
lowers it and always records the duration and a call count labelled success
or error. Errors also increment the exception counter labelled with the
rpcerr kind ("unknown" for errors outside the taxonomy).

	tr := rec.Track(service, method)
	resp, err := next(ctx, call)
	tr.Done(err)

The recorder holds no business logic. Each auxiliary counter is incremented at
the call site of the component that observes the event.

# Collector

Collector polls sources that grow with traffic (rate-limit buckets per
endpoint and retained traces) on a ticker and publishes them as gauges.

# Health

HealthChecker aggregates component health for the admin server's /health,
/ready and /live endpoints. Readiness requires every critical component to be
registered and healthy.
*/
package metrics
