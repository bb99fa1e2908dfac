// Package nuclio is the serverless function kind, tracked through the Nuclio
// dashboard.
package nuclio

import (
	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/convert"
	"github.com/seantiz/runsync/internal/kind"
	"github.com/seantiz/runsync/internal/model"
)

// Kind is the registered kind name.
const Kind = "nuclio"

// Spec describes a function deployment.
type Spec struct {
	Name        string
	Runtime     string
	Handler     string
	Image       string
	MinReplicas int64
	MaxReplicas int64
	Env         map[string]string
	Extra       *attrs.Map
}

var declared = []string{"name", "runtime", "handler", "image", "min_replicas", "max_replicas", "env"}

// ExternalRef is the function name.
func (s Spec) ExternalRef(*model.Record) string { return s.Name }

// Converter maps Spec to and from attribute maps.
var Converter convert.Converter[Spec] = convert.Funcs[Spec]{To: toAttrs, From: fromAttrs}

func toAttrs(s Spec) (*attrs.Map, error) {
	switch {
	case s.Name == "":
		return nil, &convert.ConversionError{Kind: Kind, Key: "name", Err: convert.ErrMissingField}
	case s.Runtime == "":
		return nil, &convert.ConversionError{Kind: Kind, Key: "runtime", Err: convert.ErrMissingField}
	}
	m := attrs.New()
	m.Set("name", s.Name)
	m.Set("runtime", s.Runtime)
	if s.Handler != "" {
		m.Set("handler", s.Handler)
	}
	if s.Image != "" {
		m.Set("image", s.Image)
	}
	if s.MinReplicas != 0 {
		m.Set("min_replicas", s.MinReplicas)
	}
	if s.MaxReplicas != 0 {
		m.Set("max_replicas", s.MaxReplicas)
	}
	if len(s.Env) > 0 {
		m.Set("env", convert.StringMapAttrs(s.Env))
	}
	convert.AppendExtra(m, s.Extra)
	return m, nil
}

func fromAttrs(m *attrs.Map) (Spec, error) {
	f := convert.NewFieldAccessor(m)
	var s Spec
	var err error
	if s.Name, err = f.RequireString("name"); err != nil {
		return Spec{}, err
	}
	if s.Runtime, err = f.RequireString("runtime"); err != nil {
		return Spec{}, err
	}
	if s.Handler, err = f.String("handler"); err != nil {
		return Spec{}, err
	}
	if s.Image, err = f.String("image"); err != nil {
		return Spec{}, err
	}
	if s.MinReplicas, err = f.Int("min_replicas"); err != nil {
		return Spec{}, err
	}
	if s.MaxReplicas, err = f.Int("max_replicas"); err != nil {
		return Spec{}, err
	}
	if s.Env, err = f.StringMap("env"); err != nil {
		return Spec{}, err
	}
	if s.MinReplicas > s.MaxReplicas && s.MaxReplicas != 0 {
		return Spec{}, &convert.ConversionError{Key: "min_replicas", Err: errMinAboveMax}
	}
	if len(s.Env) == 0 {
		s.Env = nil
	}
	s.Extra = convert.NilIfEmpty(f.Rest(declared...))
	return s, nil
}

// Phase reads the dashboard's function document.
func Phase(f *convert.FieldAccessor) (model.Phase, string) {
	if found, _ := f.Bool("found"); !found {
		return model.PhasePending, "function not deployed yet"
	}
	v, err := f.Lookup("$.status.state")
	if err != nil {
		return model.PhasePending, ""
	}
	state, _ := v.(string)
	switch state {
	case "ready":
		return model.PhaseRunning, ""
	case "scaledToZero":
		return model.PhaseSucceeded, ""
	case "error", "unhealthy":
		msg, _ := f.Lookup("$.status.message")
		s, _ := msg.(string)
		if s == "" {
			s = "function " + state
		}
		return model.PhaseFailed, s
	case "", "imported", "building", "waitingForBuild", "waitingForResourceConfiguration", "deploying":
		return model.PhasePending, ""
	}
	return model.PhaseUnknown, ""
}

// Entry returns the registration for the nuclio kind.
func Entry() kind.Entry {
	return kind.Entry{
		Accessor:    convert.NewAccessorFactory(Phase),
		Converter:   convert.Erase(Converter),
		Description: "serverless function deployed on Nuclio",
	}
}
