package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/cuemby/rpcguard/pkg/log"
	"github.com/rs/zerolog"
)

// DefaultAsyncBuffer is the queue length used when none is configured.
const DefaultAsyncBuffer = 1024

var (
	ErrBufferFull = errors.New("audit buffer full")
	ErrSinkClosed = errors.New("audit sink closed")
)

// AsyncSink decouples callers from a slow sink. Write enqueues and returns
// immediately; a single goroutine drains the queue in order.
type AsyncSink struct {
	next    Sink
	onError func(error)
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan []byte
	done   chan struct{}
}

// NewAsyncSink starts the drain goroutine. onError, if set, is called for
// every line the downstream sink rejects.
func NewAsyncSink(next Sink, buffer int, onError func(error)) *AsyncSink {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}
	s := &AsyncSink{
		next:    next,
		onError: onError,
		logger:  log.WithComponent("audit"),
		ch:      make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) Write(_ context.Context, line []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- line:
		return nil
	default:
		return ErrBufferFull
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for line := range s.ch {
		if err := s.next.Write(context.Background(), line); err != nil {
			s.logger.Error().Err(err).Msg("async audit write failed")
			if s.onError != nil {
				s.onError(err)
			}
		}
	}
}

// Pending returns the number of queued lines.
func (s *AsyncSink) Pending() int {
	return len(s.ch)
}

// Close stops accepting lines, drains the queue and closes the downstream sink.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	<-s.done
	return s.next.Close()
}
