// Package fsm holds the lifecycle transition tables for runs, artifacts and
// workflows.
//
// Every table shares one shape:
//
//	idle     --create-------> created
//	created  --prepare-ready-> ready
//	ready    --start--------> running
//	running  --succeed------> completed
//	running  --cancel-------> stop       (runs only)
//	*        --fail---------> error      (any non-terminal state)
//
// completed, error and stop are terminal. Machines never hold the current
// state themselves: Apply takes it as an argument and returns the next one,
// so a single Machine is shared by every record of its entity type.
package fsm

import (
	"context"
	"fmt"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/seantiz/runsync/internal/model"
)

// Rule is one row of a transition table.
type Rule struct {
	From    model.State
	Trigger model.Trigger
	To      model.State
}

// Transition describes an applied rule.
type Transition struct {
	Entity  model.EntityType
	From    model.State
	Trigger model.Trigger
	To      model.State
}

// IllegalTransitionError is returned when no rule matches (from, trigger).
type IllegalTransitionError struct {
	Entity  model.EntityType
	From    model.State
	Trigger model.Trigger
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition: %s --%s-->", e.Entity, e.From, e.Trigger)
}

// Machine is the transition table of one entity type.
type Machine struct {
	entity model.EntityType
	rules  []Rule
	sm     *stateless.StateMachine

	mu    sync.RWMutex
	hooks []func(Transition)
}

type cursorKey struct{}

type cursor struct {
	state model.State
}

// NewMachine builds a machine for entity from rules.
func NewMachine(entity model.EntityType, rules []Rule) *Machine {
	m := &Machine{entity: entity, rules: append([]Rule(nil), rules...)}
	m.sm = stateless.NewStateMachineWithExternalStorage(
		func(ctx context.Context) (stateless.State, error) {
			return ctx.Value(cursorKey{}).(*cursor).state, nil
		},
		func(ctx context.Context, s stateless.State) error {
			ctx.Value(cursorKey{}).(*cursor).state = s.(model.State)
			return nil
		},
		stateless.FiringImmediate,
	)
	for _, r := range m.rules {
		m.sm.Configure(r.From).Permit(r.Trigger, r.To)
	}
	m.sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		m.notify(Transition{
			Entity:  m.entity,
			From:    t.Source.(model.State),
			Trigger: t.Trigger.(model.Trigger),
			To:      t.Destination.(model.State),
		})
	})
	return m
}

// Entity returns the entity type this machine governs.
func (m *Machine) Entity() model.EntityType { return m.entity }

// Rules returns a copy of the table.
func (m *Machine) Rules() []Rule { return append([]Rule(nil), m.rules...) }

// Apply returns the state reached by firing trigger from current.
func (m *Machine) Apply(current model.State, trigger model.Trigger) (model.State, error) {
	c := &cursor{state: current}
	ctx := context.WithValue(context.Background(), cursorKey{}, c)
	ok, err := m.sm.CanFireCtx(ctx, trigger)
	if err != nil || !ok {
		return current, &IllegalTransitionError{Entity: m.entity, From: current, Trigger: trigger}
	}
	if err := m.sm.FireCtx(ctx, trigger); err != nil {
		return current, fmt.Errorf("fire %s from %s: %w", trigger, current, err)
	}
	return c.state, nil
}

// Permitted lists the triggers accepted in state, in table order.
func (m *Machine) Permitted(state model.State) []model.Trigger {
	var out []model.Trigger
	for _, r := range m.rules {
		if r.From == state {
			out = append(out, r.Trigger)
		}
	}
	return out
}

// OnTransition registers fn to be called after every successful Apply.
// Hooks run synchronously on the applying goroutine.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

func (m *Machine) notify(t Transition) {
	m.mu.RLock()
	hooks := m.hooks
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(t)
	}
}

var nonTerminal = []model.State{
	model.StateIdle,
	model.StateCreated,
	model.StateReady,
	model.StateRunning,
}

// DefaultRules returns the canonical table for entity.
func DefaultRules(entity model.EntityType) []Rule {
	rules := []Rule{
		{model.StateIdle, model.TriggerCreate, model.StateCreated},
		{model.StateCreated, model.TriggerPrepareReady, model.StateReady},
		{model.StateReady, model.TriggerStart, model.StateRunning},
		{model.StateRunning, model.TriggerSucceed, model.StateCompleted},
	}
	if entity == model.EntityRun {
		rules = append(rules, Rule{model.StateRunning, model.TriggerCancel, model.StateStop})
	}
	for _, s := range nonTerminal {
		rules = append(rules, Rule{s, model.TriggerFail, model.StateError})
	}
	return rules
}

// Set maps entity types to their machines.
type Set map[model.EntityType]*Machine

// Tables returns the default machines for every entity type.
func Tables() Set {
	out := Set{}
	for _, e := range []model.EntityType{model.EntityRun, model.EntityArtifact, model.EntityWorkflow} {
		out[e] = NewMachine(e, DefaultRules(e))
	}
	return out
}

// For returns the machine governing entity.
func (s Set) For(entity model.EntityType) (*Machine, error) {
	m, ok := s[entity]
	if !ok {
		return nil, fmt.Errorf("no transition table for entity %q", entity)
	}
	return m, nil
}

// OnTransition registers fn on every machine in the set.
func (s Set) OnTransition(fn func(Transition)) {
	for _, m := range s {
		m.OnTransition(fn)
	}
}
