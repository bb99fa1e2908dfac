// Package dispatch delivers state-change messages to subscribers without
// blocking the publisher.
//
// Messages are spread over a fixed number of lanes by hashing the record ID,
// so every message about one record is handled in publish order while
// different records proceed in parallel. Each lane has a bounded queue; a
// publish into a full lane fails fast with ErrQueueFull instead of waiting.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/spaolacci/murmur3"
)

// AnyKind subscribes a handler to messages of every kind.
const AnyKind = "*"

var (
	// ErrQueueFull is returned by Publish when the message's lane is full.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrStopped is returned by Publish when the dispatcher is not running.
	ErrStopped = errors.New("dispatcher stopped")
)

// Handler processes one message. Returned errors and panics are contained.
type Handler func(ctx context.Context, msg Message) error

// FailureFunc observes handler failures.
type FailureFunc func(msg Message, handler string, err error)

type subscription struct {
	id      uint64
	kind    string
	name    string
	handler Handler
}

type envelope struct {
	msg  Message
	subs []subscription
}

// Dispatcher is an in-process publish/subscribe bus with a fixed lane pool.
type Dispatcher struct {
	lanes     int
	queueSize int
	logger    *slog.Logger
	onFailure FailureFunc

	mu      sync.RWMutex
	subs    map[string][]subscription
	nextID  uint64
	queues  []chan envelope
	running bool
	ctx     context.Context

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLanes sets the number of worker lanes.
func WithLanes(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.lanes = n
		}
	}
}

// WithQueueSize sets the capacity of each lane.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithFailureHandler registers fn to observe handler errors and panics.
func WithFailureHandler(fn FailureFunc) Option {
	return func(d *Dispatcher) { d.onFailure = fn }
}

// New creates a stopped dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		lanes:     8,
		queueSize: 256,
		logger:    slog.Default(),
		subs:      make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers handler for kind under name. The returned function
// removes the subscription; calling it more than once is harmless.
func (d *Dispatcher) Subscribe(kind, name string, handler Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[kind] = append(d.subs[kind], subscription{id: id, kind: kind, name: name, handler: handler})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.subs[kind] = slices.DeleteFunc(d.subs[kind], func(s subscription) bool { return s.id == id })
		if len(d.subs[kind]) == 0 {
			delete(d.subs, kind)
		}
	}
}

// Start launches the lane workers. Handlers receive a context derived from
// ctx that is not cancelled by Stop, so queued work drains.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.ctx = context.WithoutCancel(ctx)
	d.queues = make([]chan envelope, d.lanes)
	for i := range d.queues {
		q := make(chan envelope, d.queueSize)
		d.queues[i] = q
		d.wg.Go(func() { d.work(q) })
	}
	d.running = true
	d.logger.Info("dispatcher started", "lanes", d.lanes, "queue_size", d.queueSize)
}

// Stop refuses new messages and waits for queued ones to be handled or for
// ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	for _, q := range d.queues {
		close(q)
	}
	d.queues = nil
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain dispatcher: %w", ctx.Err())
	}
}

// Publish enqueues msg for every handler subscribed to its kind or to
// AnyKind. It never waits for a handler. With no subscribers it does
// nothing, whether or not the dispatcher is running.
func (d *Dispatcher) Publish(msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	subs := d.subscribersLocked(msg.Kind())
	if len(subs) == 0 {
		return nil
	}
	if !d.running {
		return ErrStopped
	}

	q := d.queues[lane(msg.RecordID(), len(d.queues))]
	select {
	case q <- envelope{msg: msg, subs: subs}:
		published.WithLabelValues(msg.Kind()).Inc()
		queueDepth.Inc()
		return nil
	default:
		dropped.WithLabelValues(msg.Kind()).Inc()
		return ErrQueueFull
	}
}

func (d *Dispatcher) subscribersLocked(kind string) []subscription {
	out := append([]subscription(nil), d.subs[kind]...)
	if kind != AnyKind {
		out = append(out, d.subs[AnyKind]...)
	}
	return out
}

func lane(id string, n int) int {
	return int(murmur3.Sum32([]byte(id)) % uint32(n))
}

func (d *Dispatcher) work(q <-chan envelope) {
	for env := range q {
		queueDepth.Dec()
		for _, s := range env.subs {
			d.invoke(s, env.msg)
		}
	}
}

func (d *Dispatcher) invoke(s subscription, msg Message) {
	err := d.call(s, msg)
	if err == nil {
		handled.WithLabelValues(msg.Kind(), s.name).Inc()
		return
	}
	failed.WithLabelValues(msg.Kind(), s.name).Inc()
	d.logger.Error("message handler failed",
		"handler", s.name, "kind", msg.Kind(), "record_id", msg.RecordID(),
		"message_id", msg.ID(), "error", err)
	if d.onFailure != nil {
		d.onFailure(msg, s.name, err)
	}
}

func (d *Dispatcher) call(s subscription, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(d.ctx, msg)
}
