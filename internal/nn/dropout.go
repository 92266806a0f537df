package nn

import (
	"fmt"
	"math/rand/v2"

	G "gorgonia.org/gorgonia"
)

// Dropout zeroes inputs with probability Rate while training and scales the
// rest by 1/(1-Rate). It is the identity at inference.
type Dropout struct {
	Rate float64
}

// NewDropout returns a dropout layer.
func NewDropout(rate float64) *Dropout {
	return &Dropout{Rate: rate}
}

// Name implements Layer.
func (d *Dropout) Name() string { return "Dropout" }

// Params implements Layer.
func (d *Dropout) Params() []*Param { return nil }

// Initialize implements Layer.
func (d *Dropout) Initialize(in []int, _ *rand.Rand) ([]int, error) {
	if d.Rate < 0 || d.Rate >= 1 {
		return nil, fmt.Errorf("dropout: rate must be in [0, 1), got %v", d.Rate)
	}
	return append([]int(nil), in...), nil
}

// Apply implements Layer.
func (d *Dropout) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	if !b.Training() || d.Rate == 0 {
		return x, nil
	}
	return G.Dropout(x, d.Rate)
}
