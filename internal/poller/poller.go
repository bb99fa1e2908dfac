// Package poller runs named recurring tasks that drive synchronization
// workflows.
//
// A poller owns an ordered list of workflows and a delay. With reschedule
// set it runs in fixed-delay mode: the next tick starts delay after the
// previous one finished. Without it, ticks follow a wall-clock ticker and a
// tick that is still running when the next is due causes that due tick to be
// skipped. The first tick fires as soon as the poller starts.
//
// Ticks execute on a bounded pool shared by all pollers. Stopping a poller
// cancels its schedule but lets an in-flight tick finish. At most one tick
// of a poller name runs at a time, including across a restart or a
// replacement of the poller.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrPollerNotFound is returned for operations on an unknown poller name.
var ErrPollerNotFound = errors.New("poller not found")

// errBusy reports that the poller's previous tick still holds its gate.
var errBusy = errors.New("previous tick still running")

// Workflow is one unit of work executed per tick.
type Workflow interface {
	Name() string
	Execute(ctx context.Context) error
}

// WorkflowFunc adapts a function to Workflow.
type WorkflowFunc struct {
	ID string
	Fn func(ctx context.Context) error
}

func (w WorkflowFunc) Name() string { return w.ID }
func (w WorkflowFunc) Execute(ctx context.Context) error { return w.Fn(ctx) }

// Info describes a registered poller.
type Info struct {
	Name       string        `json:"name"`
	Workflows  []string      `json:"workflows"`
	Delay      time.Duration `json:"delay"`
	Reschedule bool          `json:"reschedule"`
	Running    bool          `json:"running"`
	Ticks      int64         `json:"ticks"`
	Skipped    int64         `json:"skipped"`
	LastTick   time.Time     `json:"last_tick,omitzero"`
}

type poller struct {
	name       string
	workflows  []Workflow
	delay      time.Duration
	reschedule bool

	cancel  context.CancelFunc
	running bool

	// gate holds one token while a tick of this poller runs. A replacement
	// poller inherits the gate of the one it replaces.
	gate chan struct{}

	ticks    atomic.Int64
	skipped  atomic.Int64
	lastTick atomic.Int64
}

// Service is the registry of pollers. The zero value is not usable; call
// NewService.
type Service struct {
	mu      sync.Mutex
	pollers map[string]*poller

	pool        *semaphore.Weighted
	tickTimeout time.Duration
	logger      *slog.Logger
	base        context.Context

	wg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithTickWorkers bounds the number of ticks executing at once.
func WithTickWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pool = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTickTimeout bounds each tick. Zero means no bound.
func WithTickTimeout(d time.Duration) Option {
	return func(s *Service) { s.tickTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithContext sets the parent of every tick context. Cancelling it does not
// abort running ticks; their context only carries its values.
func WithContext(ctx context.Context) Option {
	return func(s *Service) { s.base = ctx }
}

// NewService creates an empty service.
func NewService(opts ...Option) *Service {
	s := &Service{
		pollers: make(map[string]*poller),
		pool:    semaphore.NewWeighted(4),
		logger:  slog.Default(),
		base:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePoller registers a stopped poller. An existing poller with the same
// name is stopped and replaced; the replacement does not tick until the old
// poller's in-flight tick has finished.
func (s *Service) CreatePoller(name string, workflows []Workflow, delay time.Duration, reschedule bool) error {
	if name == "" {
		return fmt.Errorf("create poller: empty name")
	}
	if delay <= 0 {
		return fmt.Errorf("create poller %s: delay must be positive, got %v", name, delay)
	}
	p := &poller{
		name:       name,
		workflows:  append([]Workflow(nil), workflows...),
		delay:      delay,
		reschedule: reschedule,
		gate:       make(chan struct{}, 1),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.pollers[name]; ok {
		s.stopLocked(old)
		p.gate = old.gate
		s.logger.Info("poller replaced", "poller", name)
	}
	s.pollers[name] = p
	pollersRegistered.Set(float64(len(s.pollers)))
	return nil
}

// StartPolling starts every registered poller that is not running.
func (s *Service) StartPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pollers {
		s.startLocked(p)
	}
}

// StartOne starts the named poller. Starting a running poller is a no-op.
func (s *Service) StartOne(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pollers[name]
	if !ok {
		return fmt.Errorf("start %s: %w", name, ErrPollerNotFound)
	}
	s.startLocked(p)
	return nil
}

// StopOne stops the named poller and keeps it registered.
func (s *Service) StopOne(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pollers[name]
	if !ok {
		return fmt.Errorf("stop %s: %w", name, ErrPollerNotFound)
	}
	s.stopLocked(p)
	return nil
}

// Remove stops and deregisters the named poller.
func (s *Service) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pollers[name]
	if !ok {
		return fmt.Errorf("remove %s: %w", name, ErrPollerNotFound)
	}
	s.stopLocked(p)
	delete(s.pollers, name)
	pollersRegistered.Set(float64(len(s.pollers)))
	return nil
}

// StopPolling stops and deregisters every poller. It is safe to call
// repeatedly and with nothing registered.
func (s *Service) StopPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, p := range s.pollers {
		s.stopLocked(p)
		delete(s.pollers, name)
	}
	pollersRegistered.Set(0)
}

// Wait blocks until every schedule loop and in-flight tick has returned, or
// ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for pollers: %w", ctx.Err())
	}
}

// List describes every registered poller, sorted by name.
func (s *Service) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.pollers))
	for _, p := range s.pollers {
		names := make([]string, len(p.workflows))
		for i, w := range p.workflows {
			names[i] = w.Name()
		}
		info := Info{
			Name:       p.name,
			Workflows:  names,
			Delay:      p.delay,
			Reschedule: p.reschedule,
			Running:    p.running,
			Ticks:      p.ticks.Load(),
			Skipped:    p.skipped.Load(),
		}
		if ns := p.lastTick.Load(); ns != 0 {
			info.LastTick = time.Unix(0, ns).UTC()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) startLocked(p *poller) {
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(s.base)
	p.cancel = cancel
	p.running = true
	s.wg.Go(func() {
		if p.reschedule {
			s.fixedDelay(ctx, p)
		} else {
			s.fixedRate(ctx, p)
		}
	})
	s.logger.Info("poller started", "poller", p.name, "delay", p.delay, "reschedule", p.reschedule)
}

func (s *Service) stopLocked(p *poller) {
	if !p.running {
		return
	}
	p.cancel()
	p.running = false
	s.logger.Info("poller stopped", "poller", p.name)
}

func (s *Service) fixedDelay(ctx context.Context, p *poller) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		done, err := s.dispatch(ctx, p, true)
		if err != nil {
			return
		}
		<-done
		timer.Reset(p.delay)
	}
}

func (s *Service) fixedRate(ctx context.Context, p *poller) {
	ticker := time.NewTicker(p.delay)
	defer ticker.Stop()

	fire := func() bool {
		_, err := s.dispatch(ctx, p, false)
		switch {
		case errors.Is(err, errBusy):
			p.skipped.Add(1)
			ticksTotal.WithLabelValues(p.name, "skipped").Inc()
			s.logger.Debug("tick skipped, previous still running", "poller", p.name)
		case err != nil:
			return false
		}
		return true
	}

	if !fire() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !fire() {
				return
			}
		}
	}
}

// dispatch takes the poller's gate and hands one tick to the pool. With wait
// unset a held gate returns errBusy at once. The context error is returned
// when the poller was stopped while waiting.
func (s *Service) dispatch(ctx context.Context, p *poller, wait bool) (<-chan struct{}, error) {
	if wait {
		select {
		case p.gate <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case p.gate <- struct{}{}:
		default:
			return nil, errBusy
		}
	}
	if err := s.pool.Acquire(ctx, 1); err != nil {
		<-p.gate
		return nil, err
	}
	done := make(chan struct{})
	s.wg.Go(func() {
		defer close(done)
		defer func() { <-p.gate }()
		defer s.pool.Release(1)
		s.tick(ctx, p)
	})
	return done, nil
}

func (s *Service) tick(parent context.Context, p *poller) {
	ctx := context.WithoutCancel(parent)
	if s.tickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.tickTimeout)
		defer cancel()
	}

	start := time.Now()
	p.ticks.Add(1)
	p.lastTick.Store(start.UnixNano())

	result := "ok"
	for _, w := range p.workflows {
		if err := s.run(ctx, w); err != nil {
			result = "error"
			s.logger.Error("workflow failed", "poller", p.name, "workflow", w.Name(), "error", err)
		}
	}
	ticksTotal.WithLabelValues(p.name, result).Inc()
	tickDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	s.logger.Debug("tick finished", "poller", p.name, "duration", time.Since(start))
}

func (s *Service) run(ctx context.Context, w Workflow) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	return w.Execute(ctx)
}
