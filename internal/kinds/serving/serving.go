// Package serving is the model-serving kind: a Kubernetes Deployment that
// serves a model, optionally preceded by child steps of other kinds (job
// pre-processing, nuclio functions) declared in the same spec.
package serving

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/convert"
	"github.com/seantiz/runsync/internal/kind"
	"github.com/seantiz/runsync/internal/model"
)

// Kind is the registered kind name.
const Kind = "serving"

// Child is a nested step converted by its own kind's converter.
type Child struct {
	Kind string
	Spec any
}

// Spec describes a model deployment.
type Spec struct {
	Name      string
	Namespace string
	ModelURI  string
	Replicas  int64
	Steps     []Child
	Extra     *attrs.Map
}

var declared = []string{"name", "namespace", "model_uri", "replicas", "steps"}

// ExternalRef names the Deployment.
func (s Spec) ExternalRef(*model.Record) string {
	if s.Namespace == "" {
		return s.Name
	}
	return s.Namespace + "/" + s.Name
}

// converter converts Spec; children go through commands built from the
// resolver, so it never depends on their DTO types.
type converter struct {
	resolver convert.Resolver
}

// NewConverter returns the serving converter resolving children through r.
func NewConverter(r convert.Resolver) convert.Converter[Spec] {
	return converter{resolver: r}
}

type childCommand struct {
	kind  string
	inner convert.Command[*attrs.Map]
}

func (c childCommand) Execute() (*attrs.Map, error) {
	m, err := c.inner.Execute()
	if err != nil {
		return nil, convert.Field("spec", convert.WithKind(c.kind, err))
	}
	out := attrs.New()
	out.Set("kind", c.kind)
	out.Set("spec", m)
	return out, nil
}

type reverseChildCommand struct {
	kind  string
	inner convert.Command[any]
}

func (c reverseChildCommand) Execute() (Child, error) {
	dto, err := c.inner.Execute()
	if err != nil {
		return Child{}, convert.Field("spec", convert.WithKind(c.kind, err))
	}
	return Child{Kind: c.kind, Spec: dto}, nil
}

func (c converter) Convert(s Spec) (*attrs.Map, error) {
	if s.Name == "" {
		return nil, &convert.ConversionError{Kind: Kind, Key: "name", Err: convert.ErrMissingField}
	}
	m := attrs.New()
	m.Set("name", s.Name)
	if s.Namespace != "" {
		m.Set("namespace", s.Namespace)
	}
	if s.ModelURI != "" {
		m.Set("model_uri", s.ModelURI)
	}
	m.Set("replicas", s.Replicas)

	if len(s.Steps) > 0 {
		cmds := make([]convert.Command[*attrs.Map], 0, len(s.Steps))
		for i, child := range s.Steps {
			inner, err := c.resolver.Converter(child.Kind)
			if err != nil {
				return nil, fmt.Errorf("steps[%d]: %w", i, err)
			}
			cmds = append(cmds, childCommand{kind: child.Kind, inner: convert.NewConvertCommand(inner, child.Spec)})
		}
		steps, err := convert.ExecuteAll("steps", cmds)
		if err != nil {
			return nil, err
		}
		list := make([]any, len(steps))
		for i, st := range steps {
			list[i] = st
		}
		m.Set("steps", list)
	}
	convert.AppendExtra(m, s.Extra)
	return m, nil
}

func (c converter) ReverseConvert(m *attrs.Map) (Spec, error) {
	f := convert.NewFieldAccessor(m)
	var s Spec
	var err error
	if s.Name, err = f.RequireString("name"); err != nil {
		return Spec{}, err
	}
	if s.Namespace, err = f.String("namespace"); err != nil {
		return Spec{}, err
	}
	if s.ModelURI, err = f.String("model_uri"); err != nil {
		return Spec{}, err
	}
	if s.Replicas, err = f.Int("replicas"); err != nil {
		return Spec{}, err
	}
	if s.Replicas < 0 {
		return Spec{}, &convert.ConversionError{Key: "replicas", Err: fmt.Errorf("must not be negative")}
	}

	raw, err := f.List("steps")
	if err != nil {
		return Spec{}, err
	}
	if len(raw) > 0 {
		cmds := make([]convert.Command[Child], 0, len(raw))
		for i, el := range raw {
			cm, ok := el.(*attrs.Map)
			if !ok {
				return Spec{}, &convert.ConversionError{Key: fmt.Sprintf("steps[%d]", i), Err: convert.ErrWrongType}
			}
			cf := convert.NewFieldAccessor(cm)
			childKind, err := cf.RequireString("kind")
			if err != nil {
				return Spec{}, convert.Field(fmt.Sprintf("steps[%d]", i), err)
			}
			childSpec, err := cf.Map("spec")
			if err != nil {
				return Spec{}, convert.Field(fmt.Sprintf("steps[%d]", i), err)
			}
			inner, err := c.resolver.Converter(childKind)
			if err != nil {
				return Spec{}, fmt.Errorf("steps[%d]: %w", i, err)
			}
			cmds = append(cmds, reverseChildCommand{kind: childKind, inner: convert.NewReverseConvertCommand(inner, childSpec)})
		}
		if s.Steps, err = convert.ExecuteAll("steps", cmds); err != nil {
			return Spec{}, err
		}
	}
	s.Extra = convert.NilIfEmpty(f.Rest(declared...))
	return s, nil
}

// Phase reads a k8sdeploy payload. A deployment scaled to zero has retired.
func Phase(f *convert.FieldAccessor) (model.Phase, string) {
	if found, _ := f.Bool("found"); !found {
		return model.PhasePending, "deployment not created yet"
	}
	conds, _ := f.List("conditions")
	for _, c := range conds {
		cm, ok := c.(*attrs.Map)
		if !ok {
			continue
		}
		typ, _ := cm.String("type")
		status, _ := cm.String("status")
		reason, _ := cm.String("reason")
		msg, _ := cm.String("message")
		switch {
		case typ == string(appsv1.DeploymentProgressing) && status == "False" && reason == "ProgressDeadlineExceeded":
			return model.PhaseFailed, msg
		case typ == string(appsv1.DeploymentReplicaFailure) && status == "True":
			return model.PhaseFailed, msg
		}
	}
	replicas, _ := f.Int("replicas")
	available, _ := f.Int("available_replicas")
	switch {
	case replicas == 0:
		return model.PhaseSucceeded, ""
	case available >= replicas:
		return model.PhaseRunning, ""
	}
	return model.PhasePending, ""
}

// Entry returns the registration for the serving kind. Children resolve
// through r, normally the kind registry the entry is registered in.
func Entry(r convert.Resolver) kind.Entry {
	return kind.Entry{
		Accessor:    convert.NewAccessorFactory(Phase),
		Converter:   convert.Erase(NewConverter(r)),
		Description: "model served by a Kubernetes Deployment",
	}
}
