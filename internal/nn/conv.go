package nn

import (
	"fmt"
	"math/rand/v2"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Conv2D is a 2D convolution over NCHW input with square kernels. The number
// of input channels is inferred at Initialize.
type Conv2D struct {
	Filters int
	Kernel  int
	Padding int
	Stride  int

	weight *Param
	bias   *Param
}

// NewConv2D returns a stride-1 convolution.
func NewConv2D(filters, kernel, padding int) *Conv2D {
	return &Conv2D{
		Filters: filters,
		Kernel:  kernel,
		Padding: padding,
		Stride:  1,
	}
}

// Name implements Layer.
func (c *Conv2D) Name() string { return "Conv2d" }

// Params implements Layer.
func (c *Conv2D) Params() []*Param { return []*Param{c.weight, c.bias} }

// Initialize implements Layer.
func (c *Conv2D) Initialize(in []int, rng *rand.Rand) ([]int, error) {
	if len(in) != 4 {
		return nil, fmt.Errorf("conv2d: expected NCHW input shape, got %v", in)
	}
	if c.Filters <= 0 || c.Kernel <= 0 || c.Stride <= 0 || c.Padding < 0 {
		return nil, fmt.Errorf("conv2d: invalid configuration %+v", *c)
	}
	inC := in[1]
	outH := (in[2]+2*c.Padding-c.Kernel)/c.Stride + 1
	outW := (in[3]+2*c.Padding-c.Kernel)/c.Stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv2d: input %v too small for kernel %d", in, c.Kernel)
	}

	c.weight = &Param{Name: "weight", Value: Zeros(c.Filters, inC, c.Kernel, c.Kernel), Learnable: true}
	kk := c.Kernel * c.Kernel
	xavierUniform(Data(c.weight.Value), inC*kk, c.Filters*kk, rng)
	c.bias = &Param{Name: "bias", Value: Zeros(1, c.Filters, 1, 1), Learnable: true}
	return []int{in[0], c.Filters, outH, outW}, nil
}

// Apply implements Layer.
func (c *Conv2D) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	if c.weight == nil {
		return nil, fmt.Errorf("conv2d: not initialized")
	}
	y, err := G.Conv2d(x, b.Node(c.weight),
		tensor.Shape{c.Kernel, c.Kernel},
		[]int{c.Padding, c.Padding},
		[]int{c.Stride, c.Stride},
		[]int{1, 1},
	)
	if err != nil {
		return nil, fmt.Errorf("conv2d: %w", err)
	}
	return G.BroadcastAdd(y, b.Node(c.bias), nil, []byte{0, 2, 3})
}
