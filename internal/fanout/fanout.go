// Package fanout duplicates a single byte stream into several independent
// consumers. Every consumer owns a bounded queue and a worker goroutine, so a
// slow consumer only slows the producer while it stays attached, and a failing
// consumer is detached without disturbing the others.
package fanout

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/multierr"
)

var (
	ErrClosed      = errors.New("fanout: sink is closed")
	ErrNoConsumers = errors.New("fanout: no consumers attached")
)

const DefaultQueueSize = 4

// Consumer receives every chunk written to the sink. End is called once after
// the last chunk unless the consumer was detached before.
type Consumer interface {
	io.Writer
	End() error
}

type Option func(*Sink)

// WithQueueSize sets how many chunks may wait for a consumer before Write blocks.
func WithQueueSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithErrorHandler registers a callback invoked when a consumer fails and is detached.
func WithErrorHandler(fn func(i int, err error)) Option {
	return func(s *Sink) {
		s.onError = fn
	}
}

type lane struct {
	consumer Consumer
	queue    chan []byte
	stop     chan struct{}
	done     chan struct{}

	// guarded by Sink.mu
	detached bool
	ready    bool
	err      error
}

type Sink struct {
	// wmu serializes Write and End, the producer side.
	wmu sync.Mutex

	mu      sync.Mutex
	lanes   []*lane
	closed  bool
	drained chan struct{}

	queueSize int
	onError   func(i int, err error)
}

var _ io.Writer = (*Sink)(nil)

// New starts one worker per consumer. Consumers are addressed by their
// position in the argument list. End must be called to release the workers.
func New(consumers []Consumer, opts ...Option) *Sink {
	s := &Sink{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(s)
	}

	s.lanes = make([]*lane, len(consumers))
	for i, c := range consumers {
		l := &lane{
			consumer: c,
			queue:    make(chan []byte, s.queueSize),
			stop:     make(chan struct{}),
			done:     make(chan struct{}),
		}
		s.lanes[i] = l
		go s.run(i, l)
	}

	return s
}

// Write hands p to every attached consumer and returns once each of them has
// queued it. It fails only when the sink is closed or nobody is attached.
func (s *Sink) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	active := s.attachedLocked()
	s.mu.Unlock()

	if len(active) == 0 {
		return 0, ErrNoConsumers
	}
	if len(p) == 0 {
		return 0, nil
	}

	// consumers must not modify the chunk, so one copy is shared
	chunk := bytes.Clone(p)
	for _, l := range active {
		select {
		case l.queue <- chunk:
		case <-l.stop:
		}
	}

	return len(p), nil
}

// End flushes the queues, calls End on every still attached consumer and
// waits for all workers, detached ones included, to exit.
func (s *Sink) End() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	for _, l := range s.lanes {
		close(l.queue)
	}
	s.mu.Unlock()

	for _, l := range s.lanes {
		<-l.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for i, l := range s.lanes {
		if l.err != nil {
			err = multierr.Append(err, fmt.Errorf("consumer %d: %w", i, l.err))
		}
	}
	return err
}

// Detach permanently removes consumer i. Chunks still queued for it are dropped
// and its End is never called. Detaching twice is a no-op.
func (s *Sink) Detach(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.lanes) {
		return
	}
	s.detachLocked(s.lanes[i])
}

// Err returns the error that made consumer i fail, if any.
func (s *Sink) Err(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.lanes) {
		return nil
	}
	return s.lanes[i].err
}

func (s *Sink) Detached(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.lanes) {
		return true
	}
	return s.lanes[i].detached
}

// Full reports whether any attached consumer has a full queue, meaning the
// next Write would block on it.
func (s *Sink) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.attachedLocked() {
		if len(l.queue) >= cap(l.queue) {
			return true
		}
	}
	return false
}

// Drained starts a new drain round and returns a channel that is closed once
// every attached consumer has drained below half of its queue. Consumers
// already below that mark, and detached ones, count as drained right away.
func (s *Sink) Drained() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{})
	s.drained = ch
	for _, l := range s.lanes {
		l.ready = l.detached || belowLowWater(l)
	}
	s.checkDrainedLocked()

	return ch
}

func (s *Sink) run(i int, l *lane) {
	defer close(l.done)

	for {
		select {
		case <-l.stop:
			return
		case chunk, ok := <-l.queue:
			if s.Detached(i) {
				return
			}
			if !ok {
				if err := l.consumer.End(); err != nil {
					s.fail(i, l, err)
				}
				return
			}
			if _, err := l.consumer.Write(chunk); err != nil {
				s.fail(i, l, err)
				return
			}
			s.markReady(l)
		}
	}
}

func (s *Sink) fail(i int, l *lane, err error) {
	s.mu.Lock()
	first := !l.detached
	if first {
		l.err = err
		s.detachLocked(l)
	}
	onError := s.onError
	s.mu.Unlock()

	if first && onError != nil {
		onError(i, err)
	}
}

func (s *Sink) markReady(l *lane) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drained == nil || l.ready || !belowLowWater(l) {
		return
	}
	l.ready = true
	s.checkDrainedLocked()
}

func (s *Sink) detachLocked(l *lane) {
	if l.detached {
		return
	}
	l.detached = true
	l.ready = true
	close(l.stop)
	s.checkDrainedLocked()
}

func (s *Sink) checkDrainedLocked() {
	if s.drained == nil {
		return
	}
	for _, l := range s.lanes {
		if !l.ready {
			return
		}
	}
	close(s.drained)
	s.drained = nil
}

func (s *Sink) attachedLocked() []*lane {
	active := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		if !l.detached {
			active = append(active, l)
		}
	}
	return active
}

func belowLowWater(l *lane) bool {
	return len(l.queue) <= cap(l.queue)/2
}

type writerConsumer struct {
	io.Writer
}

// FromWriter adapts a plain writer. End flushes it when it is an http.Flusher.
func FromWriter(w io.Writer) Consumer {
	return writerConsumer{w}
}

func (w writerConsumer) End() error {
	if f, ok := w.Writer.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
