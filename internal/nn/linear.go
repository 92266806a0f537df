package nn

import (
	"fmt"
	"math/rand/v2"

	G "gorgonia.org/gorgonia"
)

// Linear is a fully connected layer over (N, F) input. The number of input
// features is inferred at Initialize.
type Linear struct {
	Units int

	weight *Param
	bias   *Param
}

// NewLinear returns a dense layer with the given number of units.
func NewLinear(units int) *Linear {
	return &Linear{Units: units}
}

// Name implements Layer.
func (l *Linear) Name() string { return "Linear" }

// Params implements Layer.
func (l *Linear) Params() []*Param { return []*Param{l.weight, l.bias} }

// Initialize implements Layer.
func (l *Linear) Initialize(in []int, rng *rand.Rand) ([]int, error) {
	if len(in) != 2 {
		return nil, fmt.Errorf("linear: expected (N, F) input shape, got %v", in)
	}
	if l.Units <= 0 {
		return nil, fmt.Errorf("linear: units must be positive, got %d", l.Units)
	}
	l.weight = &Param{Name: "weight", Value: Zeros(in[1], l.Units), Learnable: true}
	xavierUniform(Data(l.weight.Value), in[1], l.Units, rng)
	l.bias = &Param{Name: "bias", Value: Zeros(1, l.Units), Learnable: true}
	return []int{in[0], l.Units}, nil
}

// Apply implements Layer.
func (l *Linear) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	if l.weight == nil {
		return nil, fmt.Errorf("linear: not initialized")
	}
	y, err := G.Mul(x, b.Node(l.weight))
	if err != nil {
		return nil, fmt.Errorf("linear: %w", err)
	}
	return G.BroadcastAdd(y, b.Node(l.bias), nil, []byte{0})
}
