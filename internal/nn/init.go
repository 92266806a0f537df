package nn

import (
	"math"
	"math/rand/v2"
)

const xavierMagnitude = 6.0

// xavierUniform fills w with values drawn from U(-s, s) where
// s = sqrt(magnitude / ((fanIn + fanOut) / 2)).
func xavierUniform(w []float32, fanIn, fanOut int, rng *rand.Rand) {
	avg := float64(fanIn+fanOut) / 2
	s := math.Sqrt(xavierMagnitude / avg)
	for i := range w {
		w[i] = float32((rng.Float64()*2 - 1) * s)
	}
}

func fill(w []float32, v float32) {
	for i := range w {
		w[i] = v
	}
}
