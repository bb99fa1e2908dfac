// Package pipeline runs one synchronization tick for one tracked entity.
//
// A Workflow is an ordered list of Steps. Each step takes the tick State and
// returns the next one; the standard sequence reverse-converts the record's
// spec, asks the kind's backend for the external status, reads it through the
// kind's accessor, applies the resulting trigger to the lifecycle table and
// commits the new state. A step error ends the tick without a message; the
// next scheduled tick retries from persisted state.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/backend"
	"github.com/seantiz/runsync/internal/convert"
	"github.com/seantiz/runsync/internal/fsm"
	"github.com/seantiz/runsync/internal/model"
	"github.com/seantiz/runsync/internal/store"
)

// State is the context threaded through the steps of one tick.
type State struct {
	// Record is the working copy; steps may modify it freely.
	Record *model.Record
	// DTO is the kind's decoded spec.
	DTO any
	// Ref identifies the external work for the backend.
	Ref string
	// Payload is the latest backend status payload.
	Payload *attrs.Map
	// Trigger is the transition requested so far, empty for none.
	Trigger model.Trigger
	// Note is attached to the record when the trigger is committed.
	Note string
	// Emit is set once a transition has been committed.
	Emit bool
	// Done ends the tick early without error.
	Done bool
}

// Step is one stage of a workflow.
type Step func(ctx context.Context, s State) (State, error)

// Outcome is the result of one tick.
type Outcome struct {
	Record  *model.Record
	Trigger model.Trigger
	Emit    bool
	Err     error
}

// Kinds is the subset of the kind registry the standard steps need.
type Kinds interface {
	ReverseConvert(kind string, m *attrs.Map) (any, error)
	Accessor(kind string, payload *attrs.Map) (convert.StatusAccessor, error)
}

// Deps are the collaborators a workflow factory may bind.
type Deps struct {
	Kind     string
	Kinds    Kinds
	Machines fsm.Set
	Fetcher  backend.StatusFetcher
	Store    store.Store
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Factory builds the workflow for a kind.
type Factory func(Deps) *Workflow

// Workflow is a named, ordered list of steps for one kind.
type Workflow struct {
	Name  string
	Kind  string
	Steps []Step

	machines fsm.Set
	store    store.Store
	logger   *slog.Logger
}

// New returns a workflow over steps. deps supplies the lifecycle tables and
// store used to surface failures.
func New(name string, deps Deps, steps ...Step) *Workflow {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		Name:     name,
		Kind:     deps.Kind,
		Steps:    steps,
		machines: deps.Machines,
		store:    deps.Store,
		logger:   logger.With("workflow", name),
	}
}

// Standard returns the default workflow: Resolve, Prepare, FetchStatus,
// Interpret, Transition, Commit.
func Standard(deps Deps) *Workflow {
	return New(deps.Kind, deps,
		Resolve(deps.Kinds),
		Prepare(),
		FetchStatus(deps.Fetcher, deps.Timeout),
		Interpret(deps.Kinds),
		Transition(deps.Machines),
		Commit(deps.Store),
	)
}

// Run executes one tick for rec. rec itself is never modified.
func (w *Workflow) Run(ctx context.Context, rec *model.Record) Outcome {
	start := time.Now()
	st := State{Record: rec.Clone()}
	var err error
	for _, step := range w.Steps {
		if st.Done {
			break
		}
		if st, err = step(ctx, st); err != nil {
			break
		}
	}

	out := w.settle(ctx, rec, st, err)
	result := "noop"
	switch {
	case out.Err != nil:
		result = "error"
	case out.Emit:
		result = "transition"
	}
	workflowRuns.WithLabelValues(w.Kind, result).Inc()
	workflowDuration.WithLabelValues(w.Kind).Observe(time.Since(start).Seconds())
	return out
}

func (w *Workflow) settle(ctx context.Context, rec *model.Record, st State, err error) Outcome {
	if err == nil {
		if st.Emit {
			return Outcome{Record: st.Record, Trigger: st.Trigger, Emit: true}
		}
		return Outcome{Record: st.Record}
	}

	log := w.logger.With("record_id", rec.ID, "kind", rec.Kind, "state", rec.State)

	var ite *fsm.IllegalTransitionError
	if errors.As(err, &ite) {
		if rec.State.IsTerminal() {
			log.Debug("ignoring transition on terminal record", "trigger", ite.Trigger)
			return Outcome{Record: rec}
		}
		log.Error("illegal transition", "trigger", ite.Trigger, "error", err)
		return w.surface(ctx, rec, err)
	}

	if Transient(err) {
		log.Warn("tick failed, retrying next tick", "error", err)
		if !errors.Is(err, store.ErrStaleWrite) {
			w.annotate(ctx, rec, err.Error())
		}
		return Outcome{Record: rec, Err: err}
	}

	log.Error("tick failed", "error", err)
	w.annotate(ctx, rec, err.Error())
	return Outcome{Record: rec, Err: err}
}

// surface moves a non-terminal record to the error state with err as note.
func (w *Workflow) surface(ctx context.Context, rec *model.Record, cause error) Outcome {
	m, err := w.machines.For(rec.Entity)
	if err != nil {
		return Outcome{Record: rec, Err: errors.Join(cause, err)}
	}
	next, err := m.Apply(rec.State, model.TriggerFail)
	if err != nil {
		return Outcome{Record: rec, Err: errors.Join(cause, err)}
	}
	c := rec.Clone()
	c.State = next
	c.Note = cause.Error()
	saved, err := w.store.Commit(ctx, c)
	if err != nil {
		return Outcome{Record: rec, Err: errors.Join(cause, err)}
	}
	return Outcome{Record: saved, Trigger: model.TriggerFail, Emit: true, Err: cause}
}

// annotate attaches note to the stored record. Failures are ignored: the
// note is informational and the next tick will try again.
func (w *Workflow) annotate(ctx context.Context, rec *model.Record, note string) {
	if w.store == nil || rec.Note == note {
		return
	}
	c := rec.Clone()
	c.Note = note
	if _, err := w.store.Commit(ctx, c); err != nil {
		w.logger.Debug("attach note failed", "record_id", rec.ID, "error", err)
	}
}

// Transient reports whether err is expected to clear by the next tick.
func Transient(err error) bool {
	var ce *convert.ConversionError
	switch {
	case errors.As(err, &ce),
		errors.Is(err, backend.ErrTimeout),
		errors.Is(err, backend.ErrUnavailable),
		errors.Is(err, store.ErrStaleWrite),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
