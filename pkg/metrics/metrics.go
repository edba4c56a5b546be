package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker state values exported by circuit_breaker_state.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Recorder owns every pipeline metric and the registry they live in. Label
// sets are part of the exposition contract and must stay stable.
type Recorder struct {
	registry *prometheus.Registry

	// RPC metrics
	callsTotal        *prometheus.CounterVec
	callDuration      *prometheus.HistogramVec
	callExceptions    *prometheus.CounterVec
	activeConnections prometheus.Gauge

	// Auth metrics
	authFailures  *prometheus.CounterVec
	authSuccess   *prometheus.CounterVec
	authzFailures *prometheus.CounterVec
	authzSuccess  *prometheus.CounterVec

	// Admission metrics
	rateLimitExceeded  *prometheus.CounterVec
	rateLimitRemaining *prometheus.GaugeVec
	rateLimitClients   *prometheus.GaugeVec
	validationFailures *prometheus.CounterVec

	// Cache metrics
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	retainedTraces prometheus.Gauge

	// TLS metrics
	certExpiryDays    *prometheus.GaugeVec
	handshakeFailures *prometheus.CounterVec

	// Resilience metrics
	retryAttempts *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec

	// Audit metrics
	auditEvents  *prometheus.CounterVec
	auditDropped prometheus.Counter
}

// NewRecorder creates a Recorder with its own registry. Go runtime and
// process collectors are registered alongside.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpc_calls_total",
				Help: "Total number of RPC calls",
			},
			[]string{"service", "method", "status"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpc_call_duration_seconds",
				Help:    "RPC call duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method"},
		),
		callExceptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpc_call_exceptions_total",
				Help: "Total number of RPC exceptions",
			},
			[]string{"service", "method", "exception_type"},
		),
		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rpc_active_connections",
				Help: "Number of active RPC connections",
			},
		),

		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_failures_total",
				Help: "Total authentication failures",
			},
			[]string{"method", "reason"},
		),
		authSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_success_total",
				Help: "Total successful authentications",
			},
			[]string{"method"},
		),
		authzFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_failures_total",
				Help: "Total authorization failures",
			},
			[]string{"resource", "action", "role"},
		),
		authzSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_successes_total",
				Help: "Total successful authorizations",
			},
			[]string{"resource", "action", "role"},
		),

		rateLimitExceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_exceeded_total",
				Help: "Number of rate limit exceeded events",
			},
			[]string{"client_id", "endpoint"},
		),
		rateLimitRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rate_limit_remaining",
				Help: "Remaining rate limit requests for client",
			},
			[]string{"client_id"},
		),
		rateLimitClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rate_limit_clients",
				Help: "Number of client buckets held per endpoint limiter",
			},
			[]string{"endpoint"},
		),
		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "validation_failures_total",
				Help: "Total validation failures",
			},
			[]string{"field_type", "error_reason"},
		),

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total cache hits",
			},
			[]string{"cache_name"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total cache misses",
			},
			[]string{"cache_name"},
		),
		cacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_evictions_total",
				Help: "Total cache evictions",
			},
			[]string{"cache_name", "reason"},
		),
		retainedTraces: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracer_retained_traces",
				Help: "Number of traces currently retained by the tracer",
			},
		),

		certExpiryDays: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tls_certificate_expiry_days",
				Help: "Days until TLS certificate expiration",
			},
			[]string{"certificate_name"},
		),
		handshakeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tls_handshake_failures_total",
				Help: "Total TLS handshake failures",
			},
			[]string{"reason"},
		),

		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retry_attempts_total",
				Help: "Total retries performed by the retry policy",
			},
			[]string{"operation", "error_kind"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
			},
			[]string{"name"},
		),

		auditEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_events_total",
				Help: "Total audit events written by type",
			},
			[]string{"event_type"},
		),
		auditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_events_dropped_total",
				Help: "Audit events that could not be written to the sink",
			},
		),
	}

	r.registry.MustRegister(
		r.callsTotal,
		r.callDuration,
		r.callExceptions,
		r.activeConnections,
		r.authFailures,
		r.authSuccess,
		r.authzFailures,
		r.authzSuccess,
		r.rateLimitExceeded,
		r.rateLimitRemaining,
		r.rateLimitClients,
		r.validationFailures,
		r.cacheHits,
		r.cacheMisses,
		r.cacheEvictions,
		r.retainedTraces,
		r.certExpiryDays,
		r.handshakeFailures,
		r.retryAttempts,
		r.breakerState,
		r.auditEvents,
		r.auditDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the registry holding every metric.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler returns the Prometheus text exposition handler.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) RecordAuthSuccess(method string) {
	r.authSuccess.WithLabelValues(method).Inc()
}

func (r *Recorder) RecordAuthFailure(method, reason string) {
	r.authFailures.WithLabelValues(method, reason).Inc()
}

func (r *Recorder) RecordAuthzSuccess(resource, action, role string) {
	r.authzSuccess.WithLabelValues(resource, action, role).Inc()
}

func (r *Recorder) RecordAuthzFailure(resource, action, role string) {
	r.authzFailures.WithLabelValues(resource, action, role).Inc()
}

// RecordValidationFailure counts a rejected field by rule and reason code.
func (r *Recorder) RecordValidationFailure(fieldType, reason string) {
	r.validationFailures.WithLabelValues(fieldType, reason).Inc()
}

func (r *Recorder) RecordRateLimitExceeded(clientID, endpoint string) {
	r.rateLimitExceeded.WithLabelValues(clientID, endpoint).Inc()
}

func (r *Recorder) SetRateLimitRemaining(clientID string, remaining int) {
	r.rateLimitRemaining.WithLabelValues(clientID).Set(float64(remaining))
}

// SetRateLimitClients records how many buckets an endpoint limiter holds.
func (r *Recorder) SetRateLimitClients(endpoint string, n int) {
	r.rateLimitClients.WithLabelValues(endpoint).Set(float64(n))
}

func (r *Recorder) CacheHit(cache string) {
	r.cacheHits.WithLabelValues(cache).Inc()
}

func (r *Recorder) CacheMiss(cache string) {
	r.cacheMisses.WithLabelValues(cache).Inc()
}

// CacheEviction counts a capacity eviction.
func (r *Recorder) CacheEviction(cache string) {
	r.cacheEvictions.WithLabelValues(cache, "capacity").Inc()
}

func (r *Recorder) SetRetainedTraces(n int) {
	r.retainedTraces.Set(float64(n))
}

func (r *Recorder) SetCertificateExpiryDays(certName string, days float64) {
	r.certExpiryDays.WithLabelValues(certName).Set(days)
}

func (r *Recorder) RecordTLSHandshakeFailure(reason string) {
	r.handshakeFailures.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordRetry(operation, kind string) {
	r.retryAttempts.WithLabelValues(operation, kind).Inc()
}

// SetBreakerState takes the state names reported by the retry package.
func (r *Recorder) SetBreakerState(name, state string) {
	v := BreakerClosed
	switch state {
	case "half-open":
		v = BreakerHalfOpen
	case "open":
		v = BreakerOpen
	}
	r.breakerState.WithLabelValues(name).Set(float64(v))
}

func (r *Recorder) RecordAuditEvent(eventType string) {
	r.auditEvents.WithLabelValues(eventType).Inc()
}

func (r *Recorder) RecordAuditDropped() {
	r.auditDropped.Inc()
}
