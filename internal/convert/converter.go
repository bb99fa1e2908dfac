// Package convert turns attribute maps into kind-specific DTOs and back.
//
// Each kind registers a Converter for its DTO type; the registry stores it
// type-erased through Erase so that synchronization code can convert any
// kind without knowing its Go types. Composite kinds convert their children
// through Commands obtained from a Resolver.
package convert

import (
	"fmt"

	"github.com/seantiz/runsync/internal/attrs"
)

// Converter maps between an attribute map and a DTO of type D.
//
// Implementations must keep unconsumed keys: ReverseConvert(Convert(x))
// equals x for declared fields, and unknown keys survive
// Convert(ReverseConvert(m)) unchanged and in order.
type Converter[D any] interface {
	Convert(dto D) (*attrs.Map, error)
	ReverseConvert(m *attrs.Map) (D, error)
}

// Resolver finds the type-erased converter for a kind.
type Resolver interface {
	Converter(kind string) (Converter[any], error)
}

// Funcs adapts a pair of functions to a Converter.
type Funcs[D any] struct {
	To   func(D) (*attrs.Map, error)
	From func(*attrs.Map) (D, error)
}

func (f Funcs[D]) Convert(dto D) (*attrs.Map, error) { return f.To(dto) }
func (f Funcs[D]) ReverseConvert(m *attrs.Map) (D, error) { return f.From(m) }

// Erase adapts a typed converter for storage in a registry. Convert accepts
// D or *D.
func Erase[D any](c Converter[D]) Converter[any] {
	return erased[D]{c: c}
}

type erased[D any] struct {
	c Converter[D]
}

func (e erased[D]) Convert(dto any) (*attrs.Map, error) {
	switch v := dto.(type) {
	case D:
		return e.c.Convert(v)
	case *D:
		if v != nil {
			return e.c.Convert(*v)
		}
	}
	var zero D
	return nil, &ConversionError{Err: fmt.Errorf("%w: got %T, want %T", ErrWrongType, dto, zero)}
}

func (e erased[D]) ReverseConvert(m *attrs.Map) (any, error) {
	return e.c.ReverseConvert(m)
}
