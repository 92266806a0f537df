package nn

import (
	"fmt"
	"math/rand/v2"

	G "gorgonia.org/gorgonia"
)

// Sequential chains layers. After Initialize, parameter names are qualified
// with the 1-based layer position and kind, e.g. "01Conv2d_weight".
type Sequential struct {
	layers   []Layer
	inShape  []int
	outShape []int
}

// NewSequential returns a container holding the given layers.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{layers: layers}
}

// Add appends a layer.
func (s *Sequential) Add(l Layer) *Sequential {
	s.layers = append(s.layers, l)
	return s
}

// Layers returns the contained layers.
func (s *Sequential) Layers() []Layer { return s.layers }

// Name implements Layer.
func (s *Sequential) Name() string { return "Sequential" }

// InputShape returns the input shape given to Initialize.
func (s *Sequential) InputShape() []int { return s.inShape }

// OutputShape returns the output shape computed at Initialize.
func (s *Sequential) OutputShape() []int { return s.outShape }

// Initialize implements Layer.
func (s *Sequential) Initialize(in []int, rng *rand.Rand) ([]int, error) {
	shape := append([]int(nil), in...)
	for i, l := range s.layers {
		out, err := l.Initialize(shape, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i+1, l.Name(), err)
		}
		for _, p := range l.Params() {
			p.Name = fmt.Sprintf("%02d%s_%s", i+1, l.Name(), p.Name)
		}
		shape = out
	}
	s.inShape = append([]int(nil), in...)
	s.outShape = shape
	return append([]int(nil), shape...), nil
}

// InitializeSeeded initializes the network with a deterministic generator.
func (s *Sequential) InitializeSeeded(in []int, seed uint64) ([]int, error) {
	return s.Initialize(in, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// Apply implements Layer.
func (s *Sequential) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	if s.outShape == nil {
		return nil, fmt.Errorf("sequential: not initialized")
	}
	var err error
	for i, l := range s.layers {
		if x, err = l.Apply(b, x); err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i+1, l.Name(), err)
		}
	}
	return x, nil
}

// Params implements Layer.
func (s *Sequential) Params() []*Param {
	var ps []*Param
	for _, l := range s.layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}
