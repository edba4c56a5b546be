package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/rpcguard/pkg/redact"
	"github.com/rs/zerolog"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/durationpb"
)

// ErrorDomain is the ErrorInfo domain used for taxonomy errors on the wire.
const ErrorDomain = "rpcguard"

// Code maps a kind to its transport status code.
func Code(kind Kind) codes.Code {
	switch kind {
	case KindAuthentication:
		return codes.Unauthenticated
	case KindAuthorization:
		return codes.PermissionDenied
	case KindValidation:
		return codes.InvalidArgument
	case KindRateLimit:
		return codes.ResourceExhausted
	case KindServiceUnavailable, KindConnection, KindCertificate:
		return codes.Unavailable
	case KindDatabase:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// ToStatus converts any error to a gRPC status. Taxonomy errors carry an
// ErrorInfo detail with kind, severity, recovery steps and redacted context.
// Errors that already are gRPC statuses pass through, context cancellation
// maps to Canceled/DeadlineExceeded, everything else is Unknown.
func ToStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}

	e, ok := As(err)
	if !ok {
		if st, isStatus := status.FromError(err); isStatus {
			return st
		}
		switch {
		case errors.Is(err, context.Canceled):
			return status.New(codes.Canceled, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			return status.New(codes.DeadlineExceeded, err.Error())
		}
		return status.New(codes.Unknown, err.Error())
	}

	st := status.New(Code(e.Kind), e.Message)

	md := map[string]string{
		"error_code":  e.Kind.Code(),
		"severity":    string(e.Severity),
		"recoverable": strconv.FormatBool(e.Recoverable),
	}
	if len(e.RecoverySteps) > 0 {
		md["recovery_steps"] = strings.Join(e.RecoverySteps, "\n")
	}
	ctx := redact.Fields(e.Context)
	for _, k := range e.ContextKeys() {
		md["ctx."+k] = fmt.Sprint(ctx[k])
	}

	details := []protoadapt.MessageV1{&errdetails.ErrorInfo{
		Reason:   string(e.Kind),
		Domain:   ErrorDomain,
		Metadata: md,
	}}
	if e.Kind == KindRateLimit {
		if ms, ok := e.Context["retry_after_ms"].(int64); ok && ms > 0 {
			details = append(details, &errdetails.RetryInfo{
				RetryDelay: durationpb.New(time.Duration(ms) * time.Millisecond),
			})
		}
	}

	withDetails, derr := st.WithDetails(details...)
	if derr != nil {
		return st
	}
	return withDetails
}

// ToGRPCError is ToStatus(err).Err().
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	return ToStatus(err).Err()
}

// FromStatus rebuilds a taxonomy error from a status produced by ToStatus.
// Statuses without a recognised ErrorInfo are mapped by code where the
// mapping is unambiguous, otherwise ok is false.
func FromStatus(st *status.Status) (*Error, bool) {
	if st == nil || st.Code() == codes.OK {
		return nil, false
	}
	for _, d := range st.Details() {
		info, isInfo := d.(*errdetails.ErrorInfo)
		if !isInfo || info.GetDomain() != ErrorDomain {
			continue
		}
		kind, known := ParseKind(info.GetReason())
		if !known {
			continue
		}
		md := info.GetMetadata()
		e := &Error{
			Kind:        kind,
			Message:     st.Message(),
			Severity:    Severity(md["severity"]),
			Recoverable: md["recoverable"] == "true",
			Context:     map[string]any{},
		}
		if steps := md["recovery_steps"]; steps != "" {
			e.RecoverySteps = strings.Split(steps, "\n")
		}
		for k, v := range md {
			if strings.HasPrefix(k, "ctx.") {
				e.Context[strings.TrimPrefix(k, "ctx.")] = v
			}
		}
		return e, true
	}

	switch st.Code() {
	case codes.Unauthenticated:
		return Authentication(st.Message(), "remote"), true
	case codes.InvalidArgument:
		return Validation("request", st.Message(), ""), true
	case codes.Unavailable:
		return ServiceUnavailable("remote", st.Message()), true
	}
	return nil, false
}

// FromError is FromStatus for an error returned by a gRPC client call.
func FromError(err error) (*Error, bool) {
	if e, ok := As(err); ok {
		return e, true
	}
	st, ok := status.FromError(err)
	if !ok {
		return nil, false
	}
	return FromStatus(st)
}

// LogLevel maps a severity to the zerolog level used when the error is logged.
func LogLevel(sev Severity) zerolog.Level {
	switch sev {
	case SeverityLow:
		return zerolog.InfoLevel
	case SeverityMedium:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// Log writes err with full context at the level implied by its severity.
// requestInfo is attached under request_context.
func Log(l zerolog.Logger, err error, requestInfo map[string]any) {
	e, ok := As(err)
	if !ok {
		l.Error().Err(err).Fields(requestInfo).Msg("rpc error")
		return
	}
	ev := l.WithLevel(LogLevel(e.Severity)).
		Str("error_code", e.Kind.Code()).
		Str("severity", string(e.Severity)).
		Bool("recoverable", e.Recoverable).
		Interface("context", redact.Fields(e.Context))
	if e.Severity == SeverityCritical {
		ev = ev.Bool("critical", true)
	}
	if len(requestInfo) > 0 {
		ev = ev.Interface("request_context", redact.Fields(requestInfo))
	}
	if e.Cause != nil {
		ev = ev.AnErr("cause", e.Cause)
	}
	ev.Msg(e.Message)
}
