package nn

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Zeros returns a float32 tensor of the given shape filled with zeros.
func Zeros(shape ...int) *tensor.Dense {
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...))
}

// FromData wraps data in a tensor of the given shape without copying.
func FromData(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Data returns the backing slice of a float32 tensor.
func Data(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// Dims returns a copy of the tensor shape as plain ints.
func Dims(t *tensor.Dense) []int {
	return append([]int(nil), t.Shape()...)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// float32s returns the data of a float32 graph value.
func float32s(v G.Value) ([]float32, error) {
	if v == nil {
		return nil, fmt.Errorf("no value")
	}
	switch d := v.Data().(type) {
	case []float32:
		return d, nil
	case float32:
		return []float32{d}, nil
	default:
		return nil, fmt.Errorf("unexpected value type %T", d)
	}
}
