package ratelimit

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/rpcguard/pkg/rpcerr"
)

// Registry routes each endpoint to its limiter: one per entry of the static
// override table plus a default for everything else. The table is fixed at
// construction.
type Registry struct {
	def       *Limiter
	endpoints map[string]*Limiter
}

// NewRegistry creates the default limiter and one limiter per endpoint.
// Options apply to all of them; the name is set per limiter.
func NewRegistry(def Config, endpoints map[string]Config, opts ...Option) *Registry {
	r := &Registry{
		def:       New(def, append(opts, WithName("default"))...),
		endpoints: make(map[string]*Limiter, len(endpoints)),
	}
	for name, cfg := range endpoints {
		r.endpoints[name] = New(cfg, append(opts, WithName(name))...)
	}
	return r
}

// For returns the limiter for endpoint. Both the bare method name and the
// full "/pkg.Service/Method" path are accepted.
func (r *Registry) For(endpoint string) *Limiter {
	if l, ok := r.endpoints[endpoint]; ok {
		return l
	}
	if i := strings.LastIndex(endpoint, "/"); i >= 0 {
		if l, ok := r.endpoints[endpoint[i+1:]]; ok {
			return l
		}
	}
	return r.def
}

// Default returns the fallback limiter.
func (r *Registry) Default() *Limiter { return r.def }

// Endpoints lists the names of the override table, sorted.
func (r *Registry) Endpoints() []string {
	out := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TryAcquire is Limiter.TryAcquire on the endpoint's limiter.
func (r *Registry) TryAcquire(clientID, endpoint string, n int) (bool, time.Duration) {
	return r.For(endpoint).TryAcquire(clientID, n)
}

// Allow takes one token for clientID on endpoint under the limiter's policy.
// A rejection is returned as a rate_limit error carrying the wait; a
// cancelled graceful wait returns ctx's error.
func (r *Registry) Allow(ctx context.Context, clientID, endpoint string) (Decision, error) {
	l := r.For(endpoint)
	d, err := l.Acquire(ctx, clientID, 1)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, rpcerr.RateLimit(clientID, endpoint, d.Config.RequestsPerSecond, d.Config.Window, d.RetryAfter)
	}
	return d, nil
}

// SetClientConfig overrides clientID's configuration on endpoint's limiter.
func (r *Registry) SetClientConfig(clientID, endpoint string, cfg Config) {
	r.For(endpoint).SetClientConfig(clientID, cfg)
}

// Reset drops clientID's buckets on every limiter.
func (r *Registry) Reset(clientID string) {
	for _, l := range r.all() {
		l.Reset(clientID)
	}
}

// ResetAll drops every bucket on every limiter.
func (r *Registry) ResetAll() {
	for _, l := range r.all() {
		l.ResetAll()
	}
}

// Status returns clientID's buckets across limiters, one entry per endpoint
// the client has called.
func (r *Registry) Status(clientID string) []Status {
	var out []Status
	for _, l := range r.all() {
		if st, ok := l.Status(clientID); ok {
			out = append(out, st)
		}
	}
	return out
}

// AllStatus returns every bucket on every limiter.
func (r *Registry) AllStatus() []Status {
	var out []Status
	for _, l := range r.all() {
		out = append(out, l.AllStatus()...)
	}
	return out
}

// all returns the default limiter first, then endpoints by name.
func (r *Registry) all() []*Limiter {
	out := make([]*Limiter, 0, len(r.endpoints)+1)
	out = append(out, r.def)
	for _, name := range r.Endpoints() {
		out = append(out, r.endpoints[name])
	}
	return out
}

// ClientCounts returns the number of buckets held per limiter name.
func (r *Registry) ClientCounts() map[string]int {
	out := make(map[string]int, len(r.endpoints)+1)
	for _, l := range r.all() {
		out[l.Name()] = l.Clients()
	}
	return out
}
