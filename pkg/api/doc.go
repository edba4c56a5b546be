/*
Package api serves the HTTP admin surface that sits next to the gRPC listener.

Routes:

	GET    /health                         aggregate component health
	GET    /ready                          readiness (critical components healthy)
	GET    /live                           liveness
	GET    /metrics                        Prometheus exposition
	GET    /v1/ratelimit/endpoints         per-endpoint limiter configuration
	GET    /v1/ratelimit/clients           bucket state for every client (?endpoint= filters)
	GET    /v1/ratelimit/clients/{id}      bucket state for one client
	DELETE /v1/ratelimit/clients/{id}      drop a client's buckets
	GET    /v1/traces/{trace_id}           spans retained for a trace

The /v1 routes are throttled per client IP with golang.org/x/time/rate so a
misbehaving dashboard cannot starve the process. Health and scrape routes are
never throttled.
*/
package api
