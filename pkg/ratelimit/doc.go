/*
Package ratelimit implements per-client token buckets with per-endpoint
configuration.

# Token bucket

Each client gets a bucket holding up to BurstSize tokens that refills at
RequestsPerSecond. Refill is lazy: it is computed from the time elapsed since
the previous access, so there is no background goroutine. TryAcquire either
deducts the requested tokens or reports how long the caller would have to wait
for them:

	wait = (n - tokens) / requests_per_second

A per-window request counter resets every Window. It is diagnostic only and
never affects admission.

# Policies

	strict    reject on any shortfall
	graceful  wait up to MaxWait for the shortfall (honoring ctx), retry once
	adaptive  reserved; behaves as strict

# Ownership and locking

A Limiter owns its buckets in a sharded map keyed by client id (FNV-32a).
Each bucket has its own mutex, so clients never contend with each other
beyond the shard lookup. Buckets are never evicted; Reset and ResetAll are the
only way to drop them, and Clients exposes the count for monitoring.

A Registry holds one Limiter per entry of the endpoint override table plus a
default. DefaultEndpointConfigs carries the built-in table:

	RegisterNode    10/s  burst 20   graceful
	Heartbeat      100/s  burst 200  graceful
	ListNodes       50/s  burst 100  strict
	CreateSnapshot   5/s  burst 10   strict
	ListSnapshots   50/s  burst 100  graceful
	DeleteSnapshot   5/s  burst 10   strict
	PlanMigration    2/s  burst 5    strict
*/
package ratelimit
