package nn

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Argmax returns the index of the largest value of each row of an (N, C)
// tensor.
func Argmax(pred *tensor.Dense) ([]int, error) {
	if pred.Dims() != 2 {
		return nil, fmt.Errorf("argmax: expected (N, C) input, got shape %v", pred.Shape())
	}
	n, c := pred.Shape()[0], pred.Shape()[1]
	d := Data(pred)
	out := make([]int, n)
	for i := range out {
		row := d[i*c : (i+1)*c]
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out, nil
}

// Accuracy accumulates the fraction of correct top-1 predictions.
type Accuracy struct {
	correct int
	total   int
}

// Name returns the evaluator name.
func (a *Accuracy) Name() string { return "Accuracy" }

// Update adds a batch of predictions.
func (a *Accuracy) Update(pred *tensor.Dense, labels []int) error {
	got, err := Argmax(pred)
	if err != nil {
		return err
	}
	if len(got) != len(labels) {
		return fmt.Errorf("accuracy: %d labels for batch of %d", len(labels), len(got))
	}
	for i, g := range got {
		if g == labels[i] {
			a.correct++
		}
	}
	a.total += len(labels)
	return nil
}

// Value returns the accuracy so far, 0 when nothing was evaluated.
func (a *Accuracy) Value() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

// Reset clears the accumulated counts.
func (a *Accuracy) Reset() {
	a.correct, a.total = 0, 0
}
