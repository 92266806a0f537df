package nn

import (
	"fmt"
	"math/rand/v2"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// MaxPool2D is a max pooling over NCHW input without padding.
type MaxPool2D struct {
	Kernel int
	Stride int
}

// NewMaxPool2D returns a pooling layer.
func NewMaxPool2D(kernel, stride int) *MaxPool2D {
	return &MaxPool2D{Kernel: kernel, Stride: stride}
}

// Name implements Layer.
func (p *MaxPool2D) Name() string { return "MaxPool2d" }

// Params implements Layer.
func (p *MaxPool2D) Params() []*Param { return nil }

// Initialize implements Layer.
func (p *MaxPool2D) Initialize(in []int, _ *rand.Rand) ([]int, error) {
	if len(in) != 4 {
		return nil, fmt.Errorf("maxpool2d: expected NCHW input shape, got %v", in)
	}
	if p.Kernel <= 0 || p.Stride <= 0 {
		return nil, fmt.Errorf("maxpool2d: invalid configuration %+v", *p)
	}
	outH := (in[2]-p.Kernel)/p.Stride + 1
	outW := (in[3]-p.Kernel)/p.Stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("maxpool2d: input %v too small for kernel %d", in, p.Kernel)
	}
	return []int{in[0], in[1], outH, outW}, nil
}

// Apply implements Layer.
func (p *MaxPool2D) Apply(_ *Builder, x *G.Node) (*G.Node, error) {
	y, err := G.MaxPool2D(x, tensor.Shape{p.Kernel, p.Kernel}, []int{0, 0}, []int{p.Stride, p.Stride})
	if err != nil {
		return nil, fmt.Errorf("maxpool2d: %w", err)
	}
	return y, nil
}
