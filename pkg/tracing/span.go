package tracing

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSpanEnded is returned by every mutation of a span after EndSpan.
var ErrSpanEnded = errors.New("tracing: span already ended")

// Status is the outcome of a span.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Event is a timestamped annotation on a span.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// ErrorInfo describes the error a span ended with.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SpanData is an immutable copy of a span, used for export and inspection.
type SpanData struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Name         string         `json:"operation_name"`
	Service      string         `json:"service"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	Duration     time.Duration  `json:"duration_ns"`
	Status       Status         `json:"status"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Events       []Event        `json:"events,omitempty"`
	Error        *ErrorInfo     `json:"error,omitempty"`
}

// Span is one timed operation. Parent linkage is by id only; a trace is the
// set of spans sharing a trace id.
type Span struct {
	traceID  string
	spanID   string
	parentID string
	name     string
	service  string
	start    time.Time

	mu     sync.Mutex
	end    time.Time
	ended  bool
	status Status
	attrs  map[string]any
	events []Event
	err    *ErrorInfo
	now    func() time.Time
}

func (s *Span) TraceID() string      { return s.traceID }
func (s *Span) SpanID() string       { return s.spanID }
func (s *Span) ParentSpanID() string { return s.parentID }
func (s *Span) Name() string         { return s.name }
func (s *Span) StartTime() time.Time { return s.start }

// Context returns the propagation context that makes this span the parent
// of downstream work.
func (s *Span) Context() *TraceContext {
	return &TraceContext{TraceID: s.traceID, SpanID: s.spanID}
}

// Ended reports whether EndSpan has been called.
func (s *Span) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Status returns the current status.
func (s *Span) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Duration is end minus start; ok is false while the span is open.
func (s *Span) Duration() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		return 0, false
	}
	return s.end.Sub(s.start), true
}

// SetAttribute records a key/value pair on an open span.
func (s *Span) SetAttribute(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSpanEnded
	}
	if s.attrs == nil {
		s.attrs = make(map[string]any)
	}
	s.attrs[key] = value
	return nil
}

// AddEvent appends an event to an open span. An empty level means "info".
func (s *Span) AddEvent(message, level string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSpanEnded
	}
	if level == "" {
		level = "info"
	}
	s.events = append(s.events, Event{
		Timestamp: s.now(),
		Message:   message,
		Level:     level,
		Fields:    copyMap(fields),
	})
	return nil
}

// finish closes the span. The end time never precedes the start time.
func (s *Span) finish(status Status, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSpanEnded
	}
	end := s.now()
	if end.Before(s.start) {
		end = s.start
	}
	s.end = end
	s.ended = true
	if err != nil {
		status = StatusError
		s.err = &ErrorInfo{Type: fmt.Sprintf("%T", err), Message: err.Error()}
	}
	if status == "" || status == StatusPending {
		status = StatusSuccess
	}
	s.status = status
	return nil
}

// Data returns a copy of the span's current state.
func (s *Span) Data() SpanData {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := SpanData{
		TraceID:      s.traceID,
		SpanID:       s.spanID,
		ParentSpanID: s.parentID,
		Name:         s.name,
		Service:      s.service,
		StartTime:    s.start,
		Status:       s.status,
		Attributes:   copyMap(s.attrs),
		Events:       append([]Event(nil), s.events...),
	}
	if s.ended {
		end := s.end
		d.EndTime = &end
		d.Duration = end.Sub(s.start)
	}
	if s.err != nil {
		e := *s.err
		d.Error = &e
	}
	return d
}

func copyMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
