package nn

import (
	"fmt"
	"math/rand/v2"

	G "gorgonia.org/gorgonia"
)

// ReLU is the rectified linear unit.
type ReLU struct{}

// NewReLU returns a ReLU layer.
func NewReLU() *ReLU { return &ReLU{} }

// Name implements Layer.
func (r *ReLU) Name() string { return "ReLU" }

// Params implements Layer.
func (r *ReLU) Params() []*Param { return nil }

// Initialize implements Layer.
func (r *ReLU) Initialize(in []int, _ *rand.Rand) ([]int, error) {
	return append([]int(nil), in...), nil
}

// Apply implements Layer.
func (r *ReLU) Apply(_ *Builder, x *G.Node) (*G.Node, error) {
	return G.Rectify(x)
}

// Softmax normalizes (N, C) scores into probabilities along axis 1.
type Softmax struct{}

// NewSoftmax returns a softmax layer.
func NewSoftmax() *Softmax { return &Softmax{} }

// Name implements Layer.
func (s *Softmax) Name() string { return "Softmax" }

// Params implements Layer.
func (s *Softmax) Params() []*Param { return nil }

// Initialize implements Layer.
func (s *Softmax) Initialize(in []int, _ *rand.Rand) ([]int, error) {
	if len(in) != 2 {
		return nil, fmt.Errorf("softmax: expected (N, C) input shape, got %v", in)
	}
	return append([]int(nil), in...), nil
}

// Apply implements Layer.
func (s *Softmax) Apply(_ *Builder, x *G.Node) (*G.Node, error) {
	return G.SoftMax(x)
}
