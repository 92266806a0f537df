package nn

import (
	"fmt"
	"math/rand/v2"

	G "gorgonia.org/gorgonia"
)

// BatchNorm normalizes over axis 1 of (N, C, H, W) or (N, F) input. Training
// graphs normalize with the batch statistics and fold them into the running
// statistics after every solver step; inference graphs use the running
// statistics.
type BatchNorm struct {
	Epsilon  float32
	Momentum float32

	gamma       *Param
	beta        *Param
	runningMean *Param
	runningVar  *Param

	statShape []int
	pattern   []byte
}

// NewBatchNorm returns a batch norm layer with epsilon 1e-5 and momentum 0.9.
func NewBatchNorm() *BatchNorm {
	return &BatchNorm{Epsilon: 1e-5, Momentum: 0.9}
}

// Name implements Layer.
func (l *BatchNorm) Name() string { return "BatchNorm" }

// Params implements Layer.
func (l *BatchNorm) Params() []*Param {
	return []*Param{l.gamma, l.beta, l.runningMean, l.runningVar}
}

// Initialize implements Layer.
func (l *BatchNorm) Initialize(in []int, _ *rand.Rand) ([]int, error) {
	switch len(in) {
	case 4:
		l.statShape = []int{1, in[1], 1, 1}
		l.pattern = []byte{0, 2, 3}
	case 2:
		l.statShape = []int{1, in[1]}
		l.pattern = []byte{0}
	default:
		return nil, fmt.Errorf("batchnorm: expected 2D or 4D input shape, got %v", in)
	}
	l.gamma = &Param{Name: "gamma", Value: Zeros(l.statShape...), Learnable: true}
	fill(Data(l.gamma.Value), 1)
	l.beta = &Param{Name: "beta", Value: Zeros(l.statShape...), Learnable: true}
	l.runningMean = &Param{Name: "runningMean", Value: Zeros(l.statShape...)}
	l.runningVar = &Param{Name: "runningVar", Value: Zeros(l.statShape...)}
	fill(Data(l.runningVar.Value), 1)
	return append([]int(nil), in...), nil
}

// Apply implements Layer.
func (l *BatchNorm) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	if l.gamma == nil {
		return nil, fmt.Errorf("batchnorm: not initialized")
	}
	var mean, variance *G.Node
	if b.Training() {
		var err error
		if mean, err = l.reduceMean(x); err != nil {
			return nil, err
		}
		centered, err := G.BroadcastSub(x, mean, nil, l.pattern)
		if err != nil {
			return nil, err
		}
		sq, err := G.Square(centered)
		if err != nil {
			return nil, err
		}
		if variance, err = l.reduceMean(sq); err != nil {
			return nil, err
		}

		var meanVal, varVal G.Value
		G.Read(mean, &meanVal)
		G.Read(variance, &varVal)
		b.AfterStep(func() error {
			return l.updateRunning(meanVal, varVal)
		})
	} else {
		mean, variance = b.Node(l.runningMean), b.Node(l.runningVar)
	}

	centered, err := G.BroadcastSub(x, mean, nil, l.pattern)
	if err != nil {
		return nil, err
	}
	shifted, err := G.Add(variance, G.NewConstant(l.Epsilon))
	if err != nil {
		return nil, err
	}
	std, err := G.Sqrt(shifted)
	if err != nil {
		return nil, err
	}
	norm, err := G.BroadcastHadamardDiv(centered, std, nil, l.pattern)
	if err != nil {
		return nil, err
	}
	scaled, err := G.BroadcastHadamardProd(norm, b.Node(l.gamma), nil, l.pattern)
	if err != nil {
		return nil, err
	}
	return G.BroadcastAdd(scaled, b.Node(l.beta), nil, l.pattern)
}

// reduceMean averages x over every axis but 1 and returns it in statShape.
func (l *BatchNorm) reduceMean(x *G.Node) (*G.Node, error) {
	m := x
	for axis := x.Dims() - 1; axis >= 0; axis-- {
		if axis == 1 {
			continue
		}
		var err error
		if m, err = G.Mean(m, axis); err != nil {
			return nil, fmt.Errorf("batchnorm: mean along %d: %w", axis, err)
		}
	}
	return G.Reshape(m, l.statShape)
}

func (l *BatchNorm) updateRunning(meanVal, varVal G.Value) error {
	mean, err := float32s(meanVal)
	if err != nil {
		return fmt.Errorf("batchnorm: batch mean: %w", err)
	}
	variance, err := float32s(varVal)
	if err != nil {
		return fmt.Errorf("batchnorm: batch variance: %w", err)
	}
	rm, rv := Data(l.runningMean.Value), Data(l.runningVar.Value)
	if len(mean) != len(rm) || len(variance) != len(rv) {
		return fmt.Errorf("batchnorm: batch statistics of size %d, want %d", len(mean), len(rm))
	}
	for i := range rm {
		rm[i] = l.Momentum*rm[i] + (1-l.Momentum)*mean[i]
		rv[i] = l.Momentum*rv[i] + (1-l.Momentum)*variance[i]
	}
	return nil
}
