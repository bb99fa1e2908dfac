package engine

import (
	"fmt"
	"time"

	"github.com/seantiz/runsync/internal/convert"
	"github.com/seantiz/runsync/internal/pipeline"
	"github.com/seantiz/runsync/internal/poller"
)

// PollerDef configures one poller. Each kind contributes one sweep workflow,
// executed in the listed order on every tick.
type PollerDef struct {
	Name       string
	Kinds      []string
	Interval   time.Duration
	Reschedule bool
}

// DefaultPollers returns one fixed-delay poller per registered kind.
func (e *Engine) DefaultPollers() []PollerDef {
	var defs []PollerDef
	for _, k := range e.kinds.Kinds() {
		if _, ok := e.workflows[k]; !ok {
			continue
		}
		defs = append(defs, PollerDef{
			Name:       "sync-" + k,
			Kinds:      []string{k},
			Interval:   e.cfg.PollInterval,
			Reschedule: true,
		})
	}
	return defs
}

// InstallPollers registers a poller per definition, falling back to
// DefaultPollers when defs is empty. Pollers installed after Start must be
// started with the poller service.
func (e *Engine) InstallPollers(defs []PollerDef) error {
	if len(defs) == 0 {
		defs = e.DefaultPollers()
	}
	for _, def := range defs {
		if len(def.Kinds) == 0 {
			return fmt.Errorf("poller %s: no kinds", def.Name)
		}
		interval := def.Interval
		if interval <= 0 {
			interval = e.cfg.PollInterval
		}
		workflows := make([]poller.Workflow, 0, len(def.Kinds))
		for _, k := range def.Kinds {
			sweep, err := e.sweep(k)
			if err != nil {
				return fmt.Errorf("poller %s: %w", def.Name, err)
			}
			workflows = append(workflows, sweep)
		}
		if err := e.pollers.CreatePoller(def.Name, workflows, interval, def.Reschedule); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sweep(k string) (*pipeline.Sweep, error) {
	wf, ok := e.workflows[k]
	if !ok {
		return nil, &convert.UnsupportedKindError{Kind: k}
	}
	entities, err := e.kinds.Entities(k)
	if err != nil {
		return nil, err
	}
	return pipeline.NewSweep(wf, e.store, e.dispatcher,
		pipeline.WithEntities(entities...),
		pipeline.WithConcurrency(e.cfg.SweepConcurrency),
		pipeline.WithSweepLogger(e.logger.With("component", "sweep", "kind", k)),
	), nil
}
