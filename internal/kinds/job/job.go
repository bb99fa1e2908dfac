// Package job is the batch job kind: runs executed as Kubernetes Jobs.
package job

import (
	"strings"

	batchv1 "k8s.io/api/batch/v1"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/backend/k8sjob"
	"github.com/seantiz/runsync/internal/convert"
	"github.com/seantiz/runsync/internal/kind"
	"github.com/seantiz/runsync/internal/model"
)

// Kind is the registered kind name.
const Kind = "job"

// Spec describes a batch job run.
type Spec struct {
	Image        string
	Command      []string
	Args         []string
	Env          map[string]string
	Namespace    string
	JobName      string
	BackoffLimit int64
	// Extra holds attributes this kind does not interpret.
	Extra *attrs.Map
}

var declared = []string{"image", "command", "args", "env", "namespace", "job_name", "backoff_limit"}

// ExternalRef names the Kubernetes Job: namespace/job_name, defaulting the
// job name to the record name and then the lowercased record ID.
func (s Spec) ExternalRef(rec *model.Record) string {
	name := s.JobName
	if name == "" {
		name = rec.Name
	}
	if name == "" {
		name = strings.ToLower(rec.ID)
	}
	if s.Namespace == "" {
		return name
	}
	return s.Namespace + "/" + name
}

// Converter maps Spec to and from attribute maps.
var Converter convert.Converter[Spec] = convert.Funcs[Spec]{To: toAttrs, From: fromAttrs}

func toAttrs(s Spec) (*attrs.Map, error) {
	if s.Image == "" {
		return nil, &convert.ConversionError{Kind: Kind, Key: "image", Err: convert.ErrMissingField}
	}
	m := attrs.New()
	m.Set("image", s.Image)
	if len(s.Command) > 0 {
		m.Set("command", convert.StringsAttrs(s.Command))
	}
	if len(s.Args) > 0 {
		m.Set("args", convert.StringsAttrs(s.Args))
	}
	if len(s.Env) > 0 {
		m.Set("env", convert.StringMapAttrs(s.Env))
	}
	if s.Namespace != "" {
		m.Set("namespace", s.Namespace)
	}
	if s.JobName != "" {
		m.Set("job_name", s.JobName)
	}
	if s.BackoffLimit != 0 {
		m.Set("backoff_limit", s.BackoffLimit)
	}
	convert.AppendExtra(m, s.Extra)
	return m, nil
}

func fromAttrs(m *attrs.Map) (Spec, error) {
	f := convert.NewFieldAccessor(m)
	var s Spec
	var err error
	if s.Image, err = f.RequireString("image"); err != nil {
		return Spec{}, err
	}
	if s.Command, err = f.Strings("command"); err != nil {
		return Spec{}, err
	}
	if s.Args, err = f.Strings("args"); err != nil {
		return Spec{}, err
	}
	if s.Env, err = f.StringMap("env"); err != nil {
		return Spec{}, err
	}
	if s.Namespace, err = f.String("namespace"); err != nil {
		return Spec{}, err
	}
	if s.JobName, err = f.String("job_name"); err != nil {
		return Spec{}, err
	}
	if s.BackoffLimit, err = f.Int("backoff_limit"); err != nil {
		return Spec{}, err
	}
	if len(s.Command) == 0 {
		s.Command = nil
	}
	if len(s.Args) == 0 {
		s.Args = nil
	}
	if len(s.Env) == 0 {
		s.Env = nil
	}
	s.Extra = convert.NilIfEmpty(f.Rest(declared...))
	return s, nil
}

// Phase reads a k8sjob payload.
func Phase(f *convert.FieldAccessor) (model.Phase, string) {
	if found, _ := f.Bool("found"); !found {
		return model.PhasePending, "job not created yet"
	}
	conds, _ := f.List("conditions")
	if ok, _ := k8sjob.Condition(conds, batchv1.JobComplete); ok {
		return model.PhaseSucceeded, ""
	}
	if ok, msg := k8sjob.Condition(conds, batchv1.JobFailed); ok {
		if msg == "" {
			msg = "job failed"
		}
		return model.PhaseFailed, msg
	}
	active, _ := f.Int("active")
	succeeded, _ := f.Int("succeeded")
	if active > 0 || succeeded > 0 {
		return model.PhaseRunning, ""
	}
	return model.PhasePending, ""
}

// Entry returns the registration for the job kind.
func Entry() kind.Entry {
	return kind.Entry{
		Accessor:    convert.NewAccessorFactory(Phase),
		Converter:   convert.Erase(Converter),
		Entities:    []model.EntityType{model.EntityRun, model.EntityWorkflow},
		Description: "batch job executed as a Kubernetes Job",
	}
}
