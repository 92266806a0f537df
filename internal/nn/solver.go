package nn

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

const (
	defaultAdamLearningRate = 1e-3
	defaultSGDLearningRate  = 1e-2
	sgdMomentum             = 0.9
)

// NewSolver returns the gradient descent solver registered under name:
// "adam" (the default) or "sgd" with momentum. A non-positive learning rate
// selects the solver default.
func NewSolver(name string, learningRate float64) (G.Solver, error) {
	switch name {
	case "", "adam":
		if learningRate <= 0 {
			learningRate = defaultAdamLearningRate
		}
		return G.NewAdamSolver(G.WithLearnRate(learningRate)), nil
	case "sgd":
		if learningRate <= 0 {
			learningRate = defaultSGDLearningRate
		}
		return G.NewMomentum(G.WithLearnRate(learningRate), G.WithMomentum(sgdMomentum)), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}
