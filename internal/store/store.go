package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/runsync/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when creating a record whose ID is taken.
	ErrExists = errors.New("record already exists")
	// ErrStaleWrite is matched by every StaleWriteError.
	ErrStaleWrite = errors.New("stale write")
)

// StaleWriteError is returned by Commit when the stored version moved on
// since the caller loaded the record.
type StaleWriteError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write to record %s: have version %d, stored %d", e.ID, e.Expected, e.Actual)
}

func (e *StaleWriteError) Is(target error) bool { return target == ErrStaleWrite }

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Entity  model.EntityType
	Kind    string
	Project string
	State   model.State
}

// Stats holds aggregate record counts.
type Stats struct {
	Total        int            `json:"total"`
	Active       int            `json:"active"`
	CountByState map[string]int `json:"count_by_state"`
	CountByKind  map[string]int `json:"count_by_kind"`
}

// Store persists lifecycle records. Commit is optimistic: it succeeds only
// when rec.Version equals the stored version and returns the record with the
// incremented version.
type Store interface {
	Create(ctx context.Context, rec *model.Record) error
	Load(ctx context.Context, id string) (*model.Record, error)
	Commit(ctx context.Context, rec *model.Record) (*model.Record, error)
	ListActive(ctx context.Context, entity model.EntityType, kind string) ([]*model.Record, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*model.Record, int, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

func terminalStates() []any {
	return []any{string(model.StateCompleted), string(model.StateError), string(model.StateStop)}
}
