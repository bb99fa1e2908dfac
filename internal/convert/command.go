package convert

import (
	"fmt"

	"github.com/seantiz/runsync/internal/attrs"
)

// Command is a single deferred conversion.
type Command[R any] interface {
	Execute() (R, error)
}

// ConvertCommand converts one DTO to an attribute map.
type ConvertCommand[D any] struct {
	Converter Converter[D]
	Input     D
}

// NewConvertCommand binds c to input.
func NewConvertCommand[D any](c Converter[D], input D) *ConvertCommand[D] {
	return &ConvertCommand[D]{Converter: c, Input: input}
}

func (c *ConvertCommand[D]) Execute() (*attrs.Map, error) {
	return c.Converter.Convert(c.Input)
}

// ReverseConvertCommand converts one attribute map to a DTO.
type ReverseConvertCommand[D any] struct {
	Converter Converter[D]
	Input     *attrs.Map
}

// NewReverseConvertCommand binds c to input.
func NewReverseConvertCommand[D any](c Converter[D], input *attrs.Map) *ReverseConvertCommand[D] {
	return &ReverseConvertCommand[D]{Converter: c, Input: input}
}

func (c *ReverseConvertCommand[D]) Execute() (D, error) {
	return c.Converter.ReverseConvert(c.Input)
}

// ExecuteAll runs cmds in order and stops at the first failure. The failing
// key is reported as field[i].key.
func ExecuteAll[R any](field string, cmds []Command[R]) ([]R, error) {
	out := make([]R, 0, len(cmds))
	for i, cmd := range cmds {
		r, err := cmd.Execute()
		if err != nil {
			return nil, Field(fmt.Sprintf("%s[%d]", field, i), err)
		}
		out = append(out, r)
	}
	return out, nil
}
