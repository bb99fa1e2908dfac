// Package kind maps entity kinds to the triple that makes them
// synchronizable: a status accessor factory, a spec converter and a workflow
// factory. Nothing outside a kind's own package switches on kind names.
package kind

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/convert"
	"github.com/seantiz/runsync/internal/model"
	"github.com/seantiz/runsync/internal/pipeline"
)

// Entry is what a kind registers.
type Entry struct {
	Accessor  convert.AccessorFactory
	Converter convert.Converter[any]
	// Workflow defaults to pipeline.Standard when nil.
	Workflow pipeline.Factory
	// Entities lists the entity types records of this kind may have.
	// Defaults to runs only.
	Entities    []model.EntityType
	Description string
}

// Info describes a registered kind.
type Info struct {
	Kind        string             `json:"kind"`
	Entities    []model.EntityType `json:"entities"`
	Description string             `json:"description,omitempty"`
}

// Registry holds the registered kinds.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Compile-time interface satisfaction checks.
var (
	_ convert.Resolver = (*Registry)(nil)
	_ pipeline.Kinds   = (*Registry)(nil)
)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces kind.
func (r *Registry) Register(kind string, e Entry) error {
	if kind == "" {
		return fmt.Errorf("register kind: empty name")
	}
	if e.Accessor == nil || e.Converter == nil {
		return fmt.Errorf("register kind %q: accessor and converter are required", kind)
	}
	if e.Workflow == nil {
		e.Workflow = pipeline.Standard
	}
	if len(e.Entities) == 0 {
		e.Entities = []model.EntityType{model.EntityRun}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[kind] = e
	return nil
}

func (r *Registry) entry(kind string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	if !ok {
		return Entry{}, &convert.UnsupportedKindError{Kind: kind}
	}
	return e, nil
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind string) bool {
	_, err := r.entry(kind)
	return err == nil
}

// Accessor returns a status accessor for kind over payload.
func (r *Registry) Accessor(kind string, payload *attrs.Map) (convert.StatusAccessor, error) {
	e, err := r.entry(kind)
	if err != nil {
		return nil, err
	}
	return e.Accessor(payload), nil
}

// Converter returns the type-erased converter for kind.
func (r *Registry) Converter(kind string) (convert.Converter[any], error) {
	e, err := r.entry(kind)
	if err != nil {
		return nil, err
	}
	return e.Converter, nil
}

// Convert turns a DTO of kind into an attribute map.
func (r *Registry) Convert(kind string, dto any) (*attrs.Map, error) {
	c, err := r.Converter(kind)
	if err != nil {
		return nil, err
	}
	m, err := c.Convert(dto)
	return m, convert.WithKind(kind, err)
}

// ReverseConvert decodes an attribute map into kind's DTO.
func (r *Registry) ReverseConvert(kind string, m *attrs.Map) (any, error) {
	c, err := r.Converter(kind)
	if err != nil {
		return nil, err
	}
	dto, err := c.ReverseConvert(m)
	return dto, convert.WithKind(kind, err)
}

// Workflow builds kind's workflow with deps. deps.Kind and deps.Kinds are
// filled in.
func (r *Registry) Workflow(kind string, deps pipeline.Deps) (*pipeline.Workflow, error) {
	e, err := r.entry(kind)
	if err != nil {
		return nil, err
	}
	deps.Kind = kind
	if deps.Kinds == nil {
		deps.Kinds = r
	}
	return e.Workflow(deps), nil
}

// Entities returns the entity types of kind.
func (r *Registry) Entities(kind string) ([]model.EntityType, error) {
	e, err := r.entry(kind)
	if err != nil {
		return nil, err
	}
	return append([]model.EntityType(nil), e.Entities...), nil
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// List describes every registered kind, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for k, e := range r.entries {
		out = append(out, Info{Kind: k, Entities: append([]model.EntityType(nil), e.Entities...), Description: e.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
