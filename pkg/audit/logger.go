package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/rpcguard/pkg/log"
	"github.com/cuemby/rpcguard/pkg/redact"
	"github.com/cuemby/rpcguard/pkg/rpcerr"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// PrincipalResolver returns the authenticated identity behind a call.
type PrincipalResolver interface {
	Principal(ctx context.Context) (string, error)
}

// PrincipalFunc adapts a function to PrincipalResolver.
type PrincipalFunc func(ctx context.Context) (string, error)

func (f PrincipalFunc) Principal(ctx context.Context) (string, error) { return f(ctx) }

// Recorder receives audit counters. *metrics.Recorder satisfies it.
type Recorder interface {
	RecordAuditEvent(eventType string)
	RecordAuditDropped()
}

// CallInfo identifies the call an event belongs to.
type CallInfo struct {
	FullMethod string
	Principal  string
	TraceID    string
	ClientID   string
}

// Logger serializes, redacts and hands events to a Sink. Sink failures are
// logged and counted, never returned: auditing must not fail a call.
type Logger struct {
	sink     Sink
	resolver PrincipalResolver
	rec      Recorder
	signer   *Signer
	now      func() time.Time
	logger   zerolog.Logger

	// mu orders signing with writes so the hash chain matches sink order.
	// Unsigned loggers never take it and rely on the sink's own locking.
	mu sync.Mutex
}

// Option configures a Logger.
type Option func(*Logger)

// WithResolver sets the principal resolver.
func WithResolver(r PrincipalResolver) Option {
	return func(l *Logger) { l.resolver = r }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Logger) { l.rec = r }
}

// WithSigner chains events with an HMAC signature.
func WithSigner(s *Signer) Option {
	return func(l *Logger) { l.signer = s }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates a Logger writing to sink.
func NewLogger(sink Sink, opts ...Option) *Logger {
	l := &Logger{
		sink:   sink,
		now:    time.Now,
		logger: log.WithComponent("audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Principal resolves the caller identity, falling back to "unknown" on any
// resolver error or empty result.
func (l *Logger) Principal(ctx context.Context) string {
	if l.resolver == nil {
		return Unknown
	}
	p, err := l.resolver.Principal(ctx)
	if err != nil {
		l.logger.Debug().Err(err).Msg("principal resolution failed")
		return Unknown
	}
	if p == "" {
		return Unknown
	}
	return p
}

// Call records the rpc_call event emitted before dispatch.
func (l *Logger) Call(ctx context.Context, info CallInfo, req any) {
	e := l.event(info, EventCall, OutcomeAttempt)
	e.Payload = Payload(req)
	l.Log(ctx, e)
}

// Result records the terminal event for a call.
func (l *Logger) Result(ctx context.Context, info CallInfo, err error, d time.Duration) {
	var e Event
	if err == nil {
		e = l.event(info, EventSuccess, OutcomeSuccess)
	} else {
		e = l.event(info, EventError, OutcomeError)
		e.ErrorKind = string(rpcerr.KindOf(err))
		e.ErrorMsg = err.Error()
	}
	e.DurationMS = float64(d.Microseconds()) / 1000
	l.Log(ctx, e)
}

func (l *Logger) event(info CallInfo, t EventType, outcome string) Event {
	service, method := ParseMethod(info.FullMethod)
	principal := info.Principal
	if principal == "" {
		principal = Unknown
	}
	return Event{
		EventType: t,
		Principal: principal,
		Service:   service,
		Method:    method,
		Outcome:   outcome,
		TraceID:   info.TraceID,
		ClientID:  info.ClientID,
	}
}

// Log serializes e, redacts the whole line and writes it to the sink. With
// a signer, calls are serialized for the duration of the sink write.
func (l *Logger) Log(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}

	if l.signer != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
	}

	line, sig, err := l.encode(e)
	if err != nil {
		l.drop(e, fmt.Errorf("failed to encode audit event: %w", err))
		return
	}
	if err := l.sink.Write(ctx, line); err != nil {
		l.drop(e, err)
		return
	}
	if l.signer != nil {
		l.signer.advance(sig)
	}
	if l.rec != nil {
		l.rec.RecordAuditEvent(string(e.EventType))
	}
}

func (l *Logger) encode(e Event) ([]byte, string, error) {
	if l.signer != nil {
		return l.signer.sign(e)
	}
	line, err := Encode(e)
	return line, "", err
}

func (l *Logger) drop(e Event, err error) {
	l.logger.Error().Err(err).
		Str("event_type", string(e.EventType)).
		Str("service", e.Service).
		Str("method", e.Method).
		Msg("audit event dropped")
	if l.rec != nil {
		l.rec.RecordAuditDropped()
	}
}

// Close closes the underlying sink.
func (l *Logger) Close() error {
	return l.sink.Close()
}

// Encode marshals an event and applies redaction to the serialized line.
func Encode(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return redact.Bytes(b), nil
}

var payloadJSON = protojson.MarshalOptions{UseProtoNames: true}

// Payload serializes a request for the audit record and redacts it. Protobuf
// messages use their canonical JSON form with proto field names.
func Payload(v any) string {
	if v == nil {
		return ""
	}
	var (
		b   []byte
		err error
	)
	if m, ok := v.(proto.Message); ok {
		b, err = payloadJSON.Marshal(m)
	} else {
		b, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Sprintf(`{"unserializable":%q}`, fmt.Sprintf("%T", v))
	}
	return redact.JSON(string(b))
}
