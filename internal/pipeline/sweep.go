package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/runsync/internal/dispatch"
	"github.com/seantiz/runsync/internal/model"
	"github.com/seantiz/runsync/internal/store"
)

// Publisher accepts messages produced by a sweep.
type Publisher interface {
	Publish(msg dispatch.Message) error
}

// Sweep is the poller-facing workflow of a kind: every execution runs the
// kind's pipeline once for each non-terminal record.
type Sweep struct {
	workflow    *Workflow
	store       store.Store
	publisher   Publisher
	entities    []model.EntityType
	concurrency int
	logger      *slog.Logger
}

// SweepOption configures a Sweep.
type SweepOption func(*Sweep)

// WithEntities sets the entity types swept. The default is runs only.
func WithEntities(entities ...model.EntityType) SweepOption {
	return func(s *Sweep) { s.entities = entities }
}

// WithConcurrency bounds how many records are synchronized at once.
func WithConcurrency(n int) SweepOption {
	return func(s *Sweep) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithSweepLogger sets the logger.
func WithSweepLogger(l *slog.Logger) SweepOption {
	return func(s *Sweep) { s.logger = l }
}

// NewSweep returns a sweep of wf's kind.
func NewSweep(wf *Workflow, st store.Store, pub Publisher, opts ...SweepOption) *Sweep {
	s := &Sweep{
		workflow:    wf,
		store:       st,
		publisher:   pub,
		entities:    []model.EntityType{model.EntityRun},
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the sweep in logs and metrics.
func (s *Sweep) Name() string { return "sweep/" + s.workflow.Kind }

// Execute runs one sweep. Per-record failures are logged by the workflow and
// do not fail the sweep; only listing errors are returned.
func (s *Sweep) Execute(ctx context.Context) error {
	var records []*model.Record
	for _, e := range s.entities {
		recs, err := s.store.ListActive(ctx, e, s.workflow.Kind)
		if err != nil {
			return fmt.Errorf("list active %s %s records: %w", e, s.workflow.Kind, err)
		}
		records = append(records, recs...)
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, rec := range records {
		g.Go(func() error {
			out := s.workflow.Run(ctx, rec)
			if !out.Emit {
				return nil
			}
			if err := s.publisher.Publish(dispatch.NewMessage(out.Record, out.Trigger)); err != nil {
				s.logger.Warn("publish transition failed", "record_id", rec.ID, "kind", rec.Kind, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
