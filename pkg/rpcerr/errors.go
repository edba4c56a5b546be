package rpcerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies one member of the closed error taxonomy.
type Kind string

const (
	KindAuthentication     Kind = "authentication"
	KindAuthorization      Kind = "authorization"
	KindValidation         Kind = "validation"
	KindRateLimit          Kind = "rate_limit"
	KindServiceUnavailable Kind = "service_unavailable"
	KindConnection         Kind = "connection"
	KindCertificate        Kind = "certificate"
	KindDatabase           Kind = "database"

	// KindUnknown is reported for errors outside the taxonomy.
	KindUnknown Kind = "unknown"
)

// Kinds lists every taxonomy member in a stable order.
var Kinds = []Kind{
	KindAuthentication,
	KindAuthorization,
	KindValidation,
	KindRateLimit,
	KindServiceUnavailable,
	KindConnection,
	KindCertificate,
	KindDatabase,
}

// Code is the legacy error code string carried in logs and status details.
func (k Kind) Code() string {
	switch k {
	case KindAuthentication:
		return "AUTH_ERROR"
	case KindAuthorization:
		return "AUTHZ_ERROR"
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindRateLimit:
		return "RATE_LIMIT_ERROR"
	case KindServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case KindConnection:
		return "CONNECTION_ERROR"
	case KindCertificate:
		return "CERTIFICATE_ERROR"
	case KindDatabase:
		return "DATABASE_ERROR"
	default:
		return "RPC_ERROR"
	}
}

// ParseKind accepts either the kind name or its legacy code.
func ParseKind(s string) (Kind, bool) {
	s = strings.TrimSpace(s)
	for _, k := range Kinds {
		if strings.EqualFold(s, string(k)) || strings.EqualFold(s, k.Code()) {
			return k, true
		}
	}
	return KindUnknown, false
}

// Severity classifies how urgently an error needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the typed error raised by every pipeline stage. It is not
// mutated after construction.
type Error struct {
	Kind          Kind
	Message       string
	Severity      Severity
	Recoverable   bool
	RecoverySteps []string
	Context       map[string]any
	Cause         error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// ContextKeys returns the context keys in sorted order.
func (e *Error) ContextKeys() []string {
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fields returns a flat map suitable for structured logging and audit payloads.
func (e *Error) Fields() map[string]any {
	return map[string]any{
		"error_code":     e.Kind.Code(),
		"kind":           string(e.Kind),
		"message":        e.Message,
		"severity":       string(e.Severity),
		"recoverable":    e.Recoverable,
		"recovery_steps": e.RecoverySteps,
		"context":        e.Context,
	}
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the taxonomy kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRecoverable reports the recoverability flag of a taxonomy error.
func IsRecoverable(err error) bool {
	e, ok := As(err)
	return ok && e.Recoverable
}

func newError(kind Kind, msg string, sev Severity, recoverable bool, steps []string, ctx map[string]any) *Error {
	if ctx == nil {
		ctx = map[string]any{}
	}
	return &Error{
		Kind:          kind,
		Message:       msg,
		Severity:      sev,
		Recoverable:   recoverable,
		RecoverySteps: steps,
		Context:       ctx,
	}
}

// Authentication reports a failed credential check.
func Authentication(msg, reason string) *Error {
	return newError(KindAuthentication, msg, SeverityMedium, true, []string{
		"Verify credentials are correct",
		"Check certificate validity (mTLS)",
		"Verify API key has not been revoked",
		"Check JWT token has not expired",
	}, map[string]any{"reason": reason})
}

// Authorization reports that role may not perform action on resource.
func Authorization(resource, action, role string) *Error {
	return newError(KindAuthorization,
		fmt.Sprintf("role %q cannot %s %s", role, action, resource),
		SeverityMedium, false, []string{
			fmt.Sprintf("Request elevated privileges for %s on %s", action, resource),
			"Contact administrator to grant required permissions",
		}, map[string]any{"resource": resource, "action": action, "role": role})
}

// Validation reports a malformed input field.
func Validation(field, reason, value string) *Error {
	return newError(KindValidation,
		fmt.Sprintf("validation failed for field %q: %s", field, reason),
		SeverityLow, true, []string{
			fmt.Sprintf("Verify %s format is correct", field),
			"Check for special characters or invalid values",
			"Consult API documentation for field requirements",
		}, map[string]any{"field": field, "reason": reason, "value": value})
}

// RateLimit reports an exhausted token bucket. retryAfter is the computed wait.
func RateLimit(clientID, endpoint string, limit float64, window, retryAfter time.Duration) *Error {
	return newError(KindRateLimit,
		fmt.Sprintf("rate limit exceeded: %g requests per second", limit),
		SeverityLow, true, []string{
			fmt.Sprintf("Wait %s before retrying", retryAfter.Round(time.Millisecond)),
			"Consider reducing request frequency",
			"Contact administrator for rate limit increase",
		}, map[string]any{
			"client_id":      clientID,
			"endpoint":       endpoint,
			"limit":          limit,
			"window_seconds": window.Seconds(),
			"retry_after_ms": retryAfter.Milliseconds(),
		})
}

// ServiceUnavailable reports a dependency that is temporarily down.
func ServiceUnavailable(service, reason string) *Error {
	return newError(KindServiceUnavailable,
		fmt.Sprintf("service %q is temporarily unavailable", service),
		SeverityHigh, true, []string{
			"Wait a few moments and retry",
			fmt.Sprintf("Check health status of %s", service),
			"Review recent logs for errors",
			"Contact administrator if problem persists",
		}, map[string]any{"service": service, "reason": reason})
}

// Connection reports a network-level failure reaching target.
func Connection(target, reason string, timeout time.Duration) *Error {
	return newError(KindConnection,
		fmt.Sprintf("connection failed to %s: %s", target, reason),
		SeverityHigh, true, []string{
			"Check network connectivity to target service",
			"Verify target service is running and accessible",
			"Check firewall rules and network configuration",
			"Verify DNS resolution if using hostnames",
		}, map[string]any{"target": target, "reason": reason, "timeout_seconds": timeout.Seconds()})
}

// Certificate reports a TLS certificate problem.
func Certificate(certName, reason string) *Error {
	return newError(KindCertificate,
		fmt.Sprintf("certificate error for %q: %s", certName, reason),
		SeverityCritical, true, []string{
			fmt.Sprintf("Check certificate validity: openssl x509 -in %s -noout -dates", certName),
			"Verify certificate has not expired",
			"Check certificate is properly signed",
			"Renew certificate if expired or approaching expiration",
		}, map[string]any{"cert_name": certName, "reason": reason})
}

// Database reports a failed storage operation. Unrecoverable failures are critical.
func Database(operation, reason string, recoverable bool) *Error {
	sev := SeverityHigh
	if !recoverable {
		sev = SeverityCritical
	}
	return newError(KindDatabase,
		fmt.Sprintf("database operation failed: %s", operation),
		sev, recoverable, []string{
			"Check database connectivity",
			"Verify database service is running",
			"Check available disk space",
			"Review database logs for detailed errors",
			"Consider database recovery procedures if data corruption suspected",
		}, map[string]any{"operation": operation, "reason": reason})
}

// Wrap attaches cause to a taxonomy error and returns it.
func Wrap(e *Error, cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// WithContext returns a copy of e with extra context entries.
func WithContext(e *Error, kv map[string]any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+len(kv))
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	for k, v := range kv {
		cp.Context[k] = v
	}
	return &cp
}
