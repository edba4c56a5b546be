package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/rpcguard/pkg/log"
	"github.com/rs/zerolog"
)

// DefaultBatchSize is the number of spans buffered before a flush.
const DefaultBatchSize = 100

// ErrExporterShutdown is returned by Flush after Shutdown.
var ErrExporterShutdown = errors.New("tracing: exporter shut down")

// Sink receives batches of ended spans.
type Sink interface {
	Export(ctx context.Context, spans []SpanData) error
}

// BatchExporter buffers ended spans and hands them to a Sink when the batch
// is full or on Flush. It implements SpanProcessor.
type BatchExporter struct {
	sink   Sink
	size   int
	logger zerolog.Logger

	mu      sync.Mutex
	batch   []SpanData
	stopped bool
}

// NewBatchExporter creates an exporter flushing every size spans.
func NewBatchExporter(sink Sink, size int) *BatchExporter {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &BatchExporter{
		sink:   sink,
		size:   size,
		logger: log.WithComponent("tracing-export"),
		batch:  make([]SpanData, 0, size),
	}
}

// OnEnd buffers span and flushes synchronously once the batch is full. Spans
// arriving after Shutdown are dropped.
func (e *BatchExporter) OnEnd(span SpanData) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.batch = append(e.batch, span)
	var full []SpanData
	if len(e.batch) >= e.size {
		full = e.batch
		e.batch = make([]SpanData, 0, e.size)
	}
	e.mu.Unlock()

	if full != nil {
		if err := e.sink.Export(context.Background(), full); err != nil {
			e.logger.Warn().Err(err).Int("spans", len(full)).Msg("Failed to export span batch")
		}
	}
}

// Flush exports whatever is buffered.
func (e *BatchExporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrExporterShutdown
	}
	pending := e.batch
	e.batch = make([]SpanData, 0, e.size)
	e.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := e.sink.Export(ctx, pending); err != nil {
		return fmt.Errorf("export %d spans: %w", len(pending), err)
	}
	return nil
}

// Shutdown flushes and stops accepting spans.
func (e *BatchExporter) Shutdown(ctx context.Context) error {
	err := e.Flush(ctx)
	if errors.Is(err, ErrExporterShutdown) {
		return nil
	}
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	return err
}

// Pending returns the number of buffered spans.
func (e *BatchExporter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batch)
}

// LogSink writes each span as a structured log line.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Export(_ context.Context, spans []SpanData) error {
	for _, sp := range spans {
		ev := s.Logger.Info()
		if sp.Status == StatusError {
			ev = s.Logger.Warn()
		}
		ev = ev.Str("trace_id", sp.TraceID).
			Str("span_id", sp.SpanID).
			Str("operation", sp.Name).
			Str("service", sp.Service).
			Str("status", string(sp.Status)).
			Dur("duration", sp.Duration)
		if sp.ParentSpanID != "" {
			ev = ev.Str("parent_span_id", sp.ParentSpanID)
		}
		if sp.Error != nil {
			ev = ev.Str("error_type", sp.Error.Type).Str("error", sp.Error.Message)
		}
		ev.Msg("span")
	}
	return nil
}

// WriterSink writes spans as JSON lines to W.
type WriterSink struct {
	mu sync.Mutex
	W  io.Writer
}

func (s *WriterSink) Export(_ context.Context, spans []SpanData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.W)
	for _, sp := range spans {
		if err := enc.Encode(sp); err != nil {
			return fmt.Errorf("encode span %s: %w", sp.SpanID, err)
		}
	}
	return nil
}
