package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/model"
)

// FieldAccessor reads typed values from a snapshot of an attribute map.
// Missing keys yield the zero value and no error; present keys of the wrong
// type yield a ConversionError naming the key.
type FieldAccessor struct {
	m *attrs.Map
}

// NewFieldAccessor snapshots m. Later changes to m are not observed and the
// accessor never writes back.
func NewFieldAccessor(m *attrs.Map) *FieldAccessor {
	if m == nil {
		m = attrs.New()
	}
	return &FieldAccessor{m: m.Clone()}
}

// Has reports whether key is present.
func (a *FieldAccessor) Has(key string) bool { return a.m.Has(key) }

// Keys returns the snapshot's keys in order.
func (a *FieldAccessor) Keys() []string { return a.m.Keys() }

// Raw returns a copy of the snapshot.
func (a *FieldAccessor) Raw() *attrs.Map { return a.m.Clone() }

// Lookup evaluates a jsonpath expression against the snapshot.
func (a *FieldAccessor) Lookup(path string) (any, error) { return a.m.Lookup(path) }

// Rest returns the entries whose keys are not listed in consumed, in order.
// Converters keep it as the DTO's extra attributes.
func (a *FieldAccessor) Rest(consumed ...string) *attrs.Map {
	skip := make(map[string]bool, len(consumed))
	for _, k := range consumed {
		skip[k] = true
	}
	out := attrs.New()
	a.m.Range(func(k string, v any) bool {
		if !skip[k] {
			out.Set(k, v)
		}
		return true
	})
	return out
}

func wrongType(key string, v any, want string) error {
	return &ConversionError{Key: key, Err: fmt.Errorf("%w: got %T, want %s", ErrWrongType, v, want)}
}

// String returns the string under key.
func (a *FieldAccessor) String(key string) (string, error) {
	v, ok := a.m.Get(key)
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", wrongType(key, v, "string")
	}
	return s, nil
}

// RequireString is String with a ConversionError for a missing or empty value.
func (a *FieldAccessor) RequireString(key string) (string, error) {
	s, err := a.String(key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", &ConversionError{Key: key, Err: ErrMissingField}
	}
	return s, nil
}

// Int returns the integer under key. Integral floats are accepted.
func (a *FieldAccessor) Int(key string) (int64, error) {
	v, ok := a.m.Get(key)
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, wrongType(key, v, "integer")
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, wrongType(key, v, "integer")
		}
		return i, nil
	}
	return 0, wrongType(key, v, "integer")
}

// Float returns the number under key.
func (a *FieldAccessor) Float(key string) (float64, error) {
	v, ok := a.m.Get(key)
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, wrongType(key, v, "number")
		}
		return f, nil
	}
	return 0, wrongType(key, v, "number")
}

// Bool returns the boolean under key.
func (a *FieldAccessor) Bool(key string) (bool, error) {
	v, ok := a.m.Get(key)
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, wrongType(key, v, "bool")
	}
	return b, nil
}

// Strings returns the string list under key.
func (a *FieldAccessor) Strings(key string) ([]string, error) {
	v, ok := a.m.Get(key)
	if !ok || v == nil {
		return nil, nil
	}
	switch l := v.(type) {
	case []string:
		return append([]string(nil), l...), nil
	case []any:
		out := make([]string, len(l))
		for i, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, wrongType(fmt.Sprintf("%s[%d]", key, i), e, "string")
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, wrongType(key, v, "list of strings")
}

// StringMap returns the string-to-string object under key.
func (a *FieldAccessor) StringMap(key string) (map[string]string, error) {
	v, ok := a.m.Get(key)
	if !ok || v == nil {
		return nil, nil
	}
	out := map[string]string{}
	switch o := v.(type) {
	case map[string]string:
		for k, s := range o {
			out[k] = s
		}
		return out, nil
	case *attrs.Map:
		var err error
		o.Range(func(k string, e any) bool {
			s, ok := e.(string)
			if !ok {
				err = wrongType(key+"."+k, e, "string")
				return false
			}
			out[k] = s
			return true
		})
		return out, err
	case map[string]any:
		for k, e := range o {
			s, ok := e.(string)
			if !ok {
				return nil, wrongType(key+"."+k, e, "string")
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, wrongType(key, v, "object")
}

// Map returns a copy of the nested object under key.
func (a *FieldAccessor) Map(key string) (*attrs.Map, error) {
	v, ok := a.m.Get(key)
	if !ok || v == nil {
		return nil, nil
	}
	switch o := v.(type) {
	case *attrs.Map:
		return o.Clone(), nil
	case map[string]any:
		return attrs.FromMap(o), nil
	}
	return nil, wrongType(key, v, "object")
}

// List returns the list under key.
func (a *FieldAccessor) List(key string) ([]any, error) {
	v, ok := a.m.Get(key)
	if !ok || v == nil {
		return nil, nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil, wrongType(key, v, "list")
	}
	return l, nil
}

// Time parses the RFC 3339 timestamp under key.
func (a *FieldAccessor) Time(key string) (time.Time, error) {
	s, err := a.String(key)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &ConversionError{Key: key, Err: err}
	}
	return ts, nil
}

// StatusAccessor reads a backend status payload in backend-neutral terms.
type StatusAccessor interface {
	Fields() *FieldAccessor
	Phase() model.Phase
	Message() string
}

// AccessorFactory builds a StatusAccessor over a raw backend payload.
type AccessorFactory func(payload *attrs.Map) StatusAccessor

// PhaseFunc interprets a payload snapshot. It returns the phase and an
// optional human-readable message.
type PhaseFunc func(f *FieldAccessor) (model.Phase, string)

// NewAccessorFactory returns a factory whose accessors evaluate fn once per
// payload.
func NewAccessorFactory(fn PhaseFunc) AccessorFactory {
	return func(payload *attrs.Map) StatusAccessor {
		f := NewFieldAccessor(payload)
		phase, msg := fn(f)
		if phase == "" {
			phase = model.PhaseUnknown
		}
		return &statusAccessor{fields: f, phase: phase, message: msg}
	}
}

type statusAccessor struct {
	fields  *FieldAccessor
	phase   model.Phase
	message string
}

func (s *statusAccessor) Fields() *FieldAccessor { return s.fields }
func (s *statusAccessor) Phase() model.Phase { return s.phase }
func (s *statusAccessor) Message() string { return s.message }
