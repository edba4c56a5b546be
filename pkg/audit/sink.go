package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Sink persists serialized audit lines. Implementations serialize their own
// writes and must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, line []byte) error
	Close() error
}

// WriterSink appends JSON lines to an io.Writer.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	path   string
}

// NewWriterSink writes lines to w. w is not closed by Close.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// OpenFileSink appends lines to the file at path, creating it and its
// directory if needed.
func OpenFileSink(path string) (*WriterSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &WriterSink{w: f, closer: f, path: path}, nil
}

func (s *WriterSink) Write(_ context.Context, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	if _, err := s.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write audit line: %w", err)
	}
	return nil
}

// Last decodes the final line of the backing file. Sinks not opened with
// OpenFileSink report nothing found.
func (s *WriterSink) Last() (Event, bool, error) {
	if s.path == "" {
		return Event{}, false, nil
	}
	s.mu.Lock()
	line, err := lastLine(s.path)
	s.mu.Unlock()
	if err != nil || len(line) == 0 {
		return Event{}, false, err
	}
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, false, fmt.Errorf("failed to decode last audit line: %w", err)
	}
	return e, true, nil
}

// lastLine returns the last non-blank line of the file, reading backwards
// from the end so large logs are not scanned.
func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	const chunk = 4096
	var tail []byte
	for off := info.Size(); off > 0; {
		n := int64(chunk)
		if off < n {
			n = off
		}
		off -= n
		buf := make([]byte, n)
		if _, err := f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		tail = append(buf, tail...)
		trimmed := bytes.TrimRight(tail, " \t\r\n")
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			return trimmed[i+1:], nil
		}
		if off == 0 {
			return trimmed, nil
		}
	}
	return nil, nil
}

func (s *WriterSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// ReadEvents decodes a JSON-lines audit stream.
func ReadEvents(r io.Reader) ([]Event, error) {
	var events []Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return events, fmt.Errorf("failed to decode audit line %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}

// MemorySink keeps lines in memory.
type MemorySink struct {
	mu    sync.Mutex
	lines [][]byte
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, line []byte) error {
	cp := make([]byte, len(line))
	copy(cp, line)
	s.mu.Lock()
	s.lines = append(s.lines, cp)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Lines returns a copy of the written lines.
func (s *MemorySink) Lines() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.lines))
	copy(out, s.lines)
	return out
}

// Events decodes every written line.
func (s *MemorySink) Events() ([]Event, error) {
	lines := s.Lines()
	events := make([]Event, 0, len(lines))
	for _, line := range lines {
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Len returns the number of written lines.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

type teeSink []Sink

// Tee writes every line to all sinks, even when an earlier one fails.
func Tee(sinks ...Sink) Sink {
	return teeSink(sinks)
}

func (t teeSink) Write(ctx context.Context, line []byte) error {
	var errs []error
	for _, s := range t {
		if err := s.Write(ctx, line); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeSink) Close() error {
	var errs []error
	for _, s := range t {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
