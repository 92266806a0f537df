package nn

import (
	"fmt"
	"math/rand/v2"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Flatten reshapes (N, ...) input to (N, F).
type Flatten struct{}

// NewFlatten returns a batch flatten layer.
func NewFlatten() *Flatten { return &Flatten{} }

// Name implements Layer.
func (f *Flatten) Name() string { return "Flatten" }

// Params implements Layer.
func (f *Flatten) Params() []*Param { return nil }

// Initialize implements Layer.
func (f *Flatten) Initialize(in []int, _ *rand.Rand) ([]int, error) {
	if len(in) < 2 {
		return nil, fmt.Errorf("flatten: expected batched input shape, got %v", in)
	}
	n := 1
	for _, d := range in[1:] {
		n *= d
	}
	return []int{in[0], n}, nil
}

// Apply implements Layer.
func (f *Flatten) Apply(_ *Builder, x *G.Node) (*G.Node, error) {
	s := x.Shape()
	return G.Reshape(x, tensor.Shape{s[0], s.TotalSize() / s[0]})
}
