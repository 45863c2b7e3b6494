// Package dispatcher is a small topic-based event bus for lifecycle
// signals such as a session starting or ending.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Event is a lifecycle signal published on a topic.
type Event struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// HandlerFunc processes an event.
type HandlerFunc func(Event) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*options)

type options struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered runs the handler on its own goroutine behind a queue of size.
func Buffered(size int) Option {
	return func(o *options) { o.bufferSize = size }
}

// Blocking makes a buffered handler wait for queue space instead of
// dropping.
func Blocking() Option {
	return func(o *options) { o.blocking = true }
}

// Logged logs each delivery at debug level and failures at error level.
func Logged() Option {
	return func(o *options) { o.logged = true }
}

var (
	// ErrQueueFull is returned when a non-blocking buffered handler drops an event.
	ErrQueueFull = errors.New("queue full")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("dispatcher closed")
)

type queue struct {
	name string
	ch   chan Event
}

// Dispatcher fans events out to every handler registered on their topic.
// Synchronous handlers run on the publisher's goroutine in registration
// order.
type Dispatcher struct {
	logger Logger
	inst   instruments

	mu       sync.RWMutex
	closed   bool
	handlers map[string][]HandlerFunc
	queues   []queue
	workers  sync.WaitGroup
}

// New creates a Dispatcher. logger may be nil.
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		logger:   logger,
		handlers: make(map[string][]HandlerFunc),
	}
	inst, err := newInstruments(d)
	if err != nil {
		return nil, err
	}
	d.inst = inst
	return d, nil
}

// Register adds a handler for topic.
func (d *Dispatcher) Register(topic string, h HandlerFunc, opts ...Option) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	name := fmt.Sprintf("%s#%d", topic, len(d.handlers[topic]))
	if o.logged && d.logger != nil {
		h = d.logging(name, h)
	}
	if o.bufferSize > 0 {
		h = d.buffer(name, o.bufferSize, o.blocking, !o.logged, h)
	}
	d.handlers[topic] = append(d.handlers[topic], h)
}

// Publish delivers e to every handler of its topic and joins their errors.
// A topic without handlers is not an error.
func (d *Dispatcher) Publish(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	// The read lock keeps Close from closing a queue under a send.
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	var errs []error
	for _, h := range d.handlers[e.Topic] {
		if err := h(e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Topic, err))
		}
	}
	return errors.Join(errs...)
}

// HasHandler returns true if a handler is registered for the topic.
func (d *Dispatcher) HasHandler(topic string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[topic]) > 0
}

// Close stops accepting events and waits until the buffered handlers
// have drained their queues or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q.ch)
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining handlers: %w", ctx.Err())
	}
}

func (d *Dispatcher) queueLengths() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int, len(d.queues))
	for _, q := range d.queues {
		out[q.name] = len(q.ch)
	}
	return out
}

// buffer must be called with d.mu held.
func (d *Dispatcher) buffer(name string, size int, blocking, logErrors bool, h HandlerFunc) HandlerFunc {
	ch := make(chan Event, size)
	d.queues = append(d.queues, queue{name: name, ch: ch})
	attr := handlerAttr(name)

	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		for e := range ch {
			if err := h(e); err != nil && logErrors && d.logger != nil {
				d.logger.Error("buffered handler failed", "handler", name, "error", err)
			}
			d.inst.processed.Add(context.Background(), 1, attr)
		}
	}()

	if blocking {
		return func(e Event) error {
			ch <- e
			return nil
		}
	}
	return func(e Event) error {
		select {
		case ch <- e:
			return nil
		default:
			d.inst.dropped.Add(context.Background(), 1, attr)
			return fmt.Errorf("%w: %s", ErrQueueFull, name)
		}
	}
}

func (d *Dispatcher) logging(name string, h HandlerFunc) HandlerFunc {
	return func(e Event) error {
		start := time.Now()
		d.logger.Debug("handling event", "handler", name, "topic", e.Topic)
		err := h(e)
		if err != nil {
			d.logger.Error("event failed", "handler", name, "duration", time.Since(start), "error", err)
			return err
		}
		d.logger.Debug("event complete", "handler", name, "duration", time.Since(start))
		return nil
	}
}
