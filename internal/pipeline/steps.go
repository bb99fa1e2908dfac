package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/backend"
	"github.com/seantiz/runsync/internal/convert"
	"github.com/seantiz/runsync/internal/fsm"
	"github.com/seantiz/runsync/internal/model"
	"github.com/seantiz/runsync/internal/store"
)

// Referencer is implemented by DTOs that know the name of their external
// resource.
type Referencer interface {
	ExternalRef(rec *model.Record) string
}

// kindConverter adapts Kinds to a single-kind converter so that the record
// spec is decoded through a ReverseConvertCommand.
type kindConverter struct {
	kind  string
	kinds Kinds
}

func (k kindConverter) Convert(any) (*attrs.Map, error) {
	return nil, fmt.Errorf("convert %s: not supported in pipeline", k.kind)
}

func (k kindConverter) ReverseConvert(m *attrs.Map) (any, error) {
	return k.kinds.ReverseConvert(k.kind, m)
}

// Resolve decodes the record's spec and derives the external reference.
// Terminal records end the tick here.
func Resolve(kinds Kinds) Step {
	return func(_ context.Context, s State) (State, error) {
		if s.Record.State.IsTerminal() {
			s.Done = true
			return s, nil
		}
		cmd := convert.NewReverseConvertCommand[any](kindConverter{kind: s.Record.Kind, kinds: kinds}, s.Record.Spec)
		dto, err := cmd.Execute()
		if err != nil {
			return s, fmt.Errorf("resolve spec: %w", err)
		}
		s.DTO = dto
		s.Ref = s.Record.ID
		if s.Record.Name != "" {
			s.Ref = s.Record.Name
		}
		if r, ok := dto.(Referencer); ok {
			if ref := r.ExternalRef(s.Record); ref != "" {
				s.Ref = ref
			}
		}
		return s, nil
	}
}

// Prepare requests the bookkeeping transitions that need no backend query:
// idle records are created and created records become ready.
func Prepare() Step {
	return func(_ context.Context, s State) (State, error) {
		if s.Trigger != "" {
			return s, nil
		}
		switch s.Record.State {
		case model.StateIdle:
			s.Trigger = model.TriggerCreate
		case model.StateCreated:
			s.Trigger = model.TriggerPrepareReady
		}
		return s, nil
	}
}

// FetchStatus queries the backend for the external status, bounded by
// timeout. It is skipped when a trigger is already chosen.
func FetchStatus(f backend.StatusFetcher, timeout time.Duration) Step {
	return func(ctx context.Context, s State) (State, error) {
		if s.Trigger != "" {
			return s, nil
		}
		payload, err := f.FetchStatus(ctx, s.Ref, timeout)
		if err != nil {
			return s, err
		}
		s.Payload = payload
		return s, nil
	}
}

// Interpret reads the payload through the kind's accessor and picks the
// trigger the backend phase implies for the record's current state.
func Interpret(kinds Kinds) Step {
	return func(_ context.Context, s State) (State, error) {
		if s.Trigger != "" || s.Payload == nil {
			return s, nil
		}
		acc, err := kinds.Accessor(s.Record.Kind, s.Payload)
		if err != nil {
			return s, err
		}
		s.Trigger = TriggerFor(s.Record.State, acc.Phase())
		if acc.Phase() == model.PhaseFailed {
			s.Note = acc.Message()
		}
		return s, nil
	}
}

// TriggerFor maps a backend phase onto the trigger that moves state towards
// it. A ready record whose work already finished starts first; the next tick
// completes it.
func TriggerFor(state model.State, phase model.Phase) model.Trigger {
	switch state {
	case model.StateReady:
		switch phase {
		case model.PhaseRunning, model.PhaseSucceeded:
			return model.TriggerStart
		case model.PhaseFailed:
			return model.TriggerFail
		}
	case model.StateRunning:
		switch phase {
		case model.PhaseSucceeded:
			return model.TriggerSucceed
		case model.PhaseFailed:
			return model.TriggerFail
		}
	}
	return ""
}

// Transition applies the chosen trigger. Without a trigger the tick ends
// quietly.
func Transition(machines fsm.Set) Step {
	return func(_ context.Context, s State) (State, error) {
		if s.Trigger == "" {
			s.Done = true
			return s, nil
		}
		m, err := machines.For(s.Record.Entity)
		if err != nil {
			return s, err
		}
		next, err := m.Apply(s.Record.State, s.Trigger)
		if err != nil {
			return s, err
		}
		s.Record.State = next
		if s.Payload != nil {
			s.Record.Status = s.Payload.Clone()
		}
		s.Record.Note = s.Note
		return s, nil
	}
}

// Commit persists the transitioned record and marks the tick as emitting.
func Commit(st store.Store) Step {
	return func(ctx context.Context, s State) (State, error) {
		saved, err := st.Commit(ctx, s.Record)
		if err != nil {
			return s, fmt.Errorf("commit %s: %w", s.Record.ID, err)
		}
		s.Record = saved
		s.Emit = true
		return s, nil
	}
}
