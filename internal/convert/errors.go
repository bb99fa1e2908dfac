package convert

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingField is wrapped by ConversionError when a required key is absent.
	ErrMissingField = errors.New("missing required field")
	// ErrWrongType is wrapped by ConversionError when a value has an unexpected type.
	ErrWrongType = errors.New("wrong type")
)

// UnsupportedKindError is returned when no converter or accessor is
// registered for a kind. It is never retryable.
type UnsupportedKindError struct {
	Kind string
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported kind %q", e.Kind)
}

// ConversionError reports a malformed or missing value. Key is the dotted
// path of the offending field, with list indexes where applicable.
type ConversionError struct {
	Kind string
	Key  string
	Err  error
}

func (e *ConversionError) Error() string {
	var b strings.Builder
	b.WriteString("convert")
	if e.Kind != "" {
		b.WriteString(" " + e.Kind)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " field %s", e.Key)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Field attributes err to key. A nested ConversionError gets key prefixed to
// its own path.
func Field(key string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConversionError
	if errors.As(err, &ce) {
		out := *ce
		out.Key = joinKey(key, ce.Key)
		return &out
	}
	return &ConversionError{Key: key, Err: err}
}

// WithKind stamps kind on a ConversionError that does not carry one yet.
func WithKind(kind string, err error) error {
	var ce *ConversionError
	if errors.As(err, &ce) && ce.Kind == "" {
		out := *ce
		out.Kind = kind
		return &out
	}
	return err
}

func joinKey(prefix, key string) string {
	switch {
	case key == "":
		return prefix
	case prefix == "":
		return key
	case strings.HasPrefix(key, "["):
		return prefix + key
	}
	return prefix + "." + key
}
