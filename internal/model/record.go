package model

import (
	"time"

	"github.com/seantiz/runsync/internal/attrs"
)

// EntityType identifies which lifecycle table governs a record.
type EntityType string

// Entity types.
const (
	EntityRun      EntityType = "run"
	EntityArtifact EntityType = "artifact"
	EntityWorkflow EntityType = "workflow"
)

// State is a lifecycle state.
type State string

// Lifecycle states. StateStop is only reachable by runs.
const (
	StateIdle      State = "idle"
	StateCreated   State = "created"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateStop      State = "stop"
)

// Trigger is a named event that moves a record between states.
type Trigger string

// Lifecycle triggers.
const (
	TriggerCreate       Trigger = "create"
	TriggerPrepareReady Trigger = "prepare-ready"
	TriggerStart        Trigger = "start"
	TriggerSucceed      Trigger = "succeed"
	TriggerFail         Trigger = "fail"
	TriggerCancel       Trigger = "cancel"
)

// Phase is the backend-neutral reading of an external status payload.
type Phase string

// Phases reported by status accessors.
const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseUnknown   Phase = "unknown"
)

// IsTerminal reports whether no transition may leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateError, StateStop:
		return true
	}
	return false
}

// Valid reports whether e is one of the known entity types.
func (e EntityType) Valid() bool {
	switch e {
	case EntityRun, EntityArtifact, EntityWorkflow:
		return true
	}
	return false
}

// Record is the persisted lifecycle record of one tracked entity.
type Record struct {
	ID        string     `json:"id"`
	Entity    EntityType `json:"entity"`
	Kind      string     `json:"kind"`
	Project   string     `json:"project"`
	Name      string     `json:"name"`
	State     State      `json:"state"`
	Spec      *attrs.Map `json:"spec,omitempty"`
	Status    *attrs.Map `json:"status,omitempty"`
	Note      string     `json:"note,omitempty"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Spec = r.Spec.Clone()
	c.Status = r.Status.Clone()
	return &c
}
