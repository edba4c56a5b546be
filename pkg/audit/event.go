package audit

import (
	"strings"
	"time"
)

// EventType names the position of an event in a call's lifecycle.
type EventType string

const (
	EventCall    EventType = "rpc_call"
	EventSuccess EventType = "rpc_success"
	EventError   EventType = "rpc_error"
)

// Outcomes carried by terminal events.
const (
	OutcomeAttempt = "attempt"
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Unknown is used for principals, services and methods that cannot be resolved.
const Unknown = "unknown"

// Event is one flat audit record. Events are append-only; sinks receive them
// already serialized and redacted.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	EventType  EventType `json:"event_type"`
	Principal  string    `json:"principal"`
	Service    string    `json:"service"`
	Method     string    `json:"method"`
	Outcome    string    `json:"outcome"`
	TraceID    string    `json:"trace_id,omitempty"`
	ClientID   string    `json:"client_id,omitempty"`
	DurationMS float64   `json:"duration_ms,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	ErrorMsg   string    `json:"error_message,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	PrevHash   string    `json:"prev_hash,omitempty"`
	Signature  string    `json:"signature,omitempty"`
}

// Terminal reports whether the event closes a call.
func (e Event) Terminal() bool {
	return e.EventType == EventSuccess || e.EventType == EventError
}

// ParseMethod splits a gRPC full method ("/proto.NodeService/Register") into
// service and method. Anything else yields "unknown", "unknown".
func ParseMethod(fullMethod string) (service, method string) {
	if !strings.HasPrefix(fullMethod, "/") {
		return Unknown, Unknown
	}
	parts := strings.Split(fullMethod[1:], "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Unknown, Unknown
	}
	return parts[0], parts[1]
}
