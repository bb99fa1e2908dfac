package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/backend"
	"github.com/seantiz/runsync/internal/convert"
	"github.com/seantiz/runsync/internal/dispatch"
	"github.com/seantiz/runsync/internal/fsm"
	"github.com/seantiz/runsync/internal/kind"
	"github.com/seantiz/runsync/internal/model"
	"github.com/seantiz/runsync/internal/pipeline"
	"github.com/seantiz/runsync/internal/poller"
	"github.com/seantiz/runsync/internal/store"
)

// Defaults applied to zero Config fields.
const (
	DefaultStatusTimeout    = 10 * time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultTickTimeout      = time.Minute
	DefaultSweepConcurrency = 4
	idempotencyTTL          = 10 * time.Minute
)

// ErrInvalidRequest is wrapped by Submit for requests that can never succeed.
var ErrInvalidRequest = errors.New("invalid request")

// Config tunes the engine's pools and timeouts.
type Config struct {
	StatusTimeout    time.Duration
	PollInterval     time.Duration
	TickTimeout      time.Duration
	TickWorkers      int
	DispatchLanes    int
	DispatchQueue    int
	SweepConcurrency int
}

func (c Config) withDefaults() Config {
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = DefaultStatusTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = DefaultTickTimeout
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = DefaultSweepConcurrency
	}
	return c
}

// RunRequest is a submission. Entity defaults to run.
type RunRequest struct {
	Kind           string
	Entity         model.EntityType
	Project        string
	Name           string
	Spec           *attrs.Map
	IdempotencyKey string
}

// KindInfo describes a registered kind and the backend that serves it.
type KindInfo struct {
	kind.Info
	Backend *backend.Capabilities `json:"backend,omitempty"`
}

// Stats combines record counts with scheduler state.
type Stats struct {
	*store.Stats
	Pollers int `json:"pollers"`
}

// Engine is the synchronization core.
type Engine struct {
	cfg        Config
	kinds      *kind.Registry
	machines   fsm.Set
	store      store.Store
	backends   *backend.Registry
	dispatcher *dispatch.Dispatcher
	pollers    *poller.Service
	feed       *Feed
	logger     *slog.Logger

	workflows map[string]*pipeline.Workflow

	idem   *cache.Cache
	idemMu sync.Mutex

	mu     sync.Mutex
	unsubs []func()
}

// NewEngine builds an engine over the given registries and store. Kinds
// without a status fetcher in backends are listed but not synchronized.
func NewEngine(cfg Config, kinds *kind.Registry, s store.Store, backends *backend.Registry, logger *slog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	machines := fsm.Tables()
	machines.OnTransition(func(t fsm.Transition) {
		transitionsTotal.WithLabelValues(string(t.Entity), string(t.From), string(t.To)).Inc()
	})

	e := &Engine{
		cfg:      cfg,
		kinds:    kinds,
		machines: machines,
		store:    s,
		backends: backends,
		dispatcher: dispatch.New(
			dispatch.WithLanes(cfg.DispatchLanes),
			dispatch.WithQueueSize(cfg.DispatchQueue),
			dispatch.WithLogger(logger.With("component", "dispatcher")),
		),
		pollers: poller.NewService(
			poller.WithTickWorkers(cfg.TickWorkers),
			poller.WithTickTimeout(cfg.TickTimeout),
			poller.WithLogger(logger.With("component", "poller")),
		),
		feed:      NewFeed(),
		logger:    logger,
		workflows: make(map[string]*pipeline.Workflow),
		idem:      cache.New(idempotencyTTL, 2*idempotencyTTL),
	}

	for _, k := range kinds.Kinds() {
		fetcher, err := backends.Resolve(k)
		if err != nil {
			logger.Warn("kind has no status backend, submissions will be rejected", "kind", k)
			continue
		}
		wf, err := kinds.Workflow(k, pipeline.Deps{
			Machines: machines,
			Fetcher:  fetcher,
			Store:    s,
			Timeout:  cfg.StatusTimeout,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build workflow for %s: %w", k, err)
		}
		e.workflows[k] = wf
	}
	return e, nil
}

// Start subscribes the per-kind handlers and the feed, starts the
// dispatcher and starts every installed poller.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dispatcher.Start(ctx)
	for k := range e.workflows {
		e.unsubs = append(e.unsubs, e.dispatcher.Subscribe(k, "sync/"+k, e.handle))
	}
	e.unsubs = append(e.unsubs, e.dispatcher.Subscribe(dispatch.AnyKind, "feed", e.forward))
	e.pollers.StartPolling()
	e.logger.Info("engine started", "kinds", len(e.workflows))
}

// Stop stops every poller, waits for in-flight ticks and then drains the
// dispatcher, all bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pollers.StopPolling()
	if err := e.pollers.Wait(ctx); err != nil {
		return err
	}
	if err := e.dispatcher.Stop(ctx); err != nil {
		return err
	}
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	e.logger.Info("engine stopped")
	return nil
}

// Subscribe registers an extra dispatcher handler, such as a notifier.
func (e *Engine) Subscribe(kind, name string, h dispatch.Handler) func() {
	return e.dispatcher.Subscribe(kind, name, h)
}

// Feed returns the per-record transition stream.
func (e *Engine) Feed() *Feed { return e.feed }

// Pollers returns the poller service.
func (e *Engine) Pollers() *poller.Service { return e.pollers }

// Submit validates and records a new run and publishes its first message.
// A repeated IdempotencyKey within ten minutes returns the first run's ID.
func (e *Engine) Submit(ctx context.Context, req RunRequest) (string, error) {
	if req.IdempotencyKey != "" {
		e.idemMu.Lock()
		defer e.idemMu.Unlock()
		if id, ok := e.idem.Get(req.IdempotencyKey); ok {
			submissionsTotal.WithLabelValues(req.Kind, "duplicate").Inc()
			return id.(string), nil
		}
	}

	rec, err := e.newRecord(req)
	if err != nil {
		submissionsTotal.WithLabelValues(req.Kind, "rejected").Inc()
		return "", err
	}
	if err := e.store.Create(ctx, rec); err != nil {
		submissionsTotal.WithLabelValues(req.Kind, "error").Inc()
		return "", fmt.Errorf("create record: %w", err)
	}
	submissionsTotal.WithLabelValues(req.Kind, "accepted").Inc()
	e.logger.Info("run submitted", "record_id", rec.ID, "kind", rec.Kind, "entity", rec.Entity)

	e.publish(rec, model.TriggerCreate)
	if req.IdempotencyKey != "" {
		e.idem.Set(req.IdempotencyKey, rec.ID, cache.DefaultExpiration)
	}
	return rec.ID, nil
}

func (e *Engine) newRecord(req RunRequest) (*model.Record, error) {
	if _, ok := e.workflows[req.Kind]; !ok {
		return nil, &convert.UnsupportedKindError{Kind: req.Kind}
	}
	entity := req.Entity
	if entity == "" {
		entity = model.EntityRun
	}
	entities, err := e.kinds.Entities(req.Kind)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(entities, entity) {
		return nil, fmt.Errorf("%w: kind %s does not track %s records", ErrInvalidRequest, req.Kind, entity)
	}

	spec := req.Spec
	if spec == nil {
		spec = attrs.New()
	}
	dto, err := e.kinds.ReverseConvert(req.Kind, spec)
	if err != nil {
		return nil, err
	}
	normalized, err := e.kinds.Convert(req.Kind, dto)
	if err != nil {
		return nil, err
	}

	m, err := e.machines.For(entity)
	if err != nil {
		return nil, err
	}
	state, err := m.Apply(model.StateIdle, model.TriggerCreate)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &model.Record{
		ID:        model.NewID(),
		Entity:    entity,
		Kind:      req.Kind,
		Project:   req.Project,
		Name:      req.Name,
		State:     state,
		Spec:      normalized,
		Status:    attrs.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Cancel stops a running run.
func (e *Engine) Cancel(ctx context.Context, id string) (*model.Record, error) {
	rec, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	m, err := e.machines.For(rec.Entity)
	if err != nil {
		return nil, err
	}
	next, err := m.Apply(rec.State, model.TriggerCancel)
	if err != nil {
		return nil, err
	}
	rec.State = next
	rec.Note = "cancelled"
	saved, err := e.store.Commit(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("commit cancel of %s: %w", id, err)
	}
	e.logger.Info("run cancelled", "record_id", id, "kind", saved.Kind)
	e.publish(saved, model.TriggerCancel)
	return saved, nil
}

// Get returns one record.
func (e *Engine) Get(ctx context.Context, id string) (*model.Record, error) {
	return e.store.Load(ctx, id)
}

// List returns a page of records and the total matching f.
func (e *Engine) List(ctx context.Context, f store.Filter, limit, offset int) ([]*model.Record, int, error) {
	return e.store.List(ctx, f, limit, offset)
}

// Stats returns aggregate counts.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Stats: st, Pollers: len(e.pollers.List())}, nil
}

// Kinds lists the registered kinds with their backend capabilities.
func (e *Engine) Kinds() []KindInfo {
	infos := e.kinds.List()
	out := make([]KindInfo, len(infos))
	for i, info := range infos {
		out[i] = KindInfo{Info: info}
		if f, err := e.backends.Resolve(info.Kind); err == nil {
			caps := f.Capabilities()
			out[i].Backend = &caps
		}
	}
	return out
}

// publish hands a transition to the dispatcher. A refused message is only
// logged: the next poll tick recovers from persisted state.
func (e *Engine) publish(rec *model.Record, trigger model.Trigger) {
	if err := e.dispatcher.Publish(dispatch.NewMessage(rec, trigger)); err != nil {
		e.logger.Warn("publish transition failed", "record_id", rec.ID, "kind", rec.Kind, "trigger", trigger, "error", err)
	}
}
