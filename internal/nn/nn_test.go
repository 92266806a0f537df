package nn

import (
	"bytes"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func randomTensor(rng *rand.Rand, shape ...int) *tensor.Dense {
	t := Zeros(shape...)
	d := Data(t)
	for i := range d {
		d[i] = rng.Float32()*2 - 1
	}
	return t
}

func newMachine(t *testing.T, net *Sequential, batch int, mode Mode) *Machine {
	m, err := NewMachine(net, batch, mode)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestLayerShapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	tcs := []struct {
		name    string
		layer   Layer
		in      []int
		want    []int
		wantErr bool
	}{
		{name: "conv same padding", layer: NewConv2D(3, 3, 1), in: []int{2, 2, 5, 5}, want: []int{2, 3, 5, 5}},
		{name: "conv valid", layer: NewConv2D(4, 3, 0), in: []int{1, 1, 5, 5}, want: []int{1, 4, 3, 3}},
		{name: "conv rank", layer: NewConv2D(4, 3, 0), in: []int{1, 5, 5}, wantErr: true},
		{name: "conv too small", layer: NewConv2D(4, 3, 0), in: []int{1, 1, 2, 2}, wantErr: true},
		{name: "pool", layer: NewMaxPool2D(2, 2), in: []int{1, 3, 8, 6}, want: []int{1, 3, 4, 3}},
		{name: "pool too small", layer: NewMaxPool2D(2, 2), in: []int{1, 3, 1, 1}, wantErr: true},
		{name: "flatten", layer: NewFlatten(), in: []int{2, 3, 4, 4}, want: []int{2, 48}},
		{name: "linear", layer: NewLinear(5), in: []int{2, 48}, want: []int{2, 5}},
		{name: "linear rank", layer: NewLinear(5), in: []int{2, 3, 4, 4}, wantErr: true},
		{name: "batchnorm 4d", layer: NewBatchNorm(), in: []int{2, 3, 4, 4}, want: []int{2, 3, 4, 4}},
		{name: "batchnorm 3d", layer: NewBatchNorm(), in: []int{2, 3, 4}, wantErr: true},
		{name: "dropout", layer: NewDropout(0.5), in: []int{2, 3}, want: []int{2, 3}},
		{name: "dropout rate", layer: NewDropout(1), in: []int{2, 3}, wantErr: true},
		{name: "softmax rank", layer: NewSoftmax(), in: []int{2, 3, 4}, wantErr: true},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.layer.Initialize(tc.in, rng)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConv2DKnownOutput(t *testing.T) {
	c := NewConv2D(1, 3, 1)
	net := NewSequential(c, NewFlatten())
	_, err := net.InitializeSeeded([]int{1, 1, 3, 3}, 1)
	require.NoError(t, err)
	fill(Data(c.weight.Value), 1)
	Data(c.bias.Value)[0] = 0.5

	x := FromData([]float32{
		1, 1, 1,
		1, 1, 1,
		1, 1, 1,
	}, 1, 1, 3, 3)
	y, err := newMachine(t, net, 1, ModePredict).Predict(x)
	require.NoError(t, err)
	// Each output sums the in-bounds neighbours plus bias.
	assert.InDeltaSlice(t, []float32{
		4.5, 6.5, 4.5,
		6.5, 9.5, 6.5,
		4.5, 6.5, 4.5,
	}, Data(y), 1e-5)
}

func TestMaxPoolAndReLU(t *testing.T) {
	net := NewSequential(NewMaxPool2D(2, 2), NewFlatten(), NewReLU())
	_, err := net.InitializeSeeded([]int{1, 1, 4, 4}, 1)
	require.NoError(t, err)

	x := FromData([]float32{
		1, -2, -5, -6,
		3, 0, -7, -1,
		-1, -1, 2, 9,
		-3, -4, 8, 1,
	}, 1, 1, 4, 4)
	y, err := newMachine(t, net, 1, ModePredict).Predict(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{3, 0, 0, 9}, Data(y), 1e-6)
}

func TestSoftmax(t *testing.T) {
	net := NewSequential(NewSoftmax())
	_, err := net.InitializeSeeded([]int{2, 3}, 1)
	require.NoError(t, err)

	y, err := newMachine(t, net, 2, ModePredict).Predict(FromData([]float32{1, 2, 3, 0, 0, 0}, 2, 3))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.0900, 0.2447, 0.6652, 1.0 / 3, 1.0 / 3, 1.0 / 3}, Data(y), 1e-4)
}

func TestDropoutIdentityAtInference(t *testing.T) {
	net := NewSequential(NewDropout(0.5))
	_, err := net.InitializeSeeded([]int{2, 3}, 1)
	require.NoError(t, err)

	in := []float32{1, 2, 3, 4, 5, 6}
	y, err := newMachine(t, net, 2, ModePredict).Predict(FromData(append([]float32(nil), in...), 2, 3))
	require.NoError(t, err)
	assert.Equal(t, in, Data(y))
}

func TestBatchNormInference(t *testing.T) {
	bn := NewBatchNorm()
	net := NewSequential(bn)
	_, err := net.InitializeSeeded([]int{2, 3}, 1)
	require.NoError(t, err)
	copy(Data(bn.runningMean.Value), []float32{1, 2, 3})
	fill(Data(bn.runningVar.Value), 4)
	fill(Data(bn.gamma.Value), 2)
	fill(Data(bn.beta.Value), 0.5)

	y, err := newMachine(t, net, 2, ModePredict).Predict(FromData([]float32{1, 2, 3, 3, 4, 5}, 2, 3))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.5, 2.5, 2.5, 2.5}, Data(y), 1e-4)
}

func TestBatchNormRunningStats(t *testing.T) {
	bn := NewBatchNorm()
	net := NewSequential(bn, NewSoftmax())
	_, err := net.InitializeSeeded([]int{4, 2}, 1)
	require.NoError(t, err)

	solver, err := NewSolver("sgd", 1e-3)
	require.NoError(t, err)
	x := FromData([]float32{
		1, 0,
		2, 0,
		3, 2,
		4, 2,
	}, 4, 2)
	_, _, err = newMachine(t, net, 4, ModeTrain).Step(x, []int{0, 0, 1, 1}, solver)
	require.NoError(t, err)

	// Batch mean (2.5, 1) and biased variance (1.25, 1) with momentum 0.9.
	assert.InDeltaSlice(t, []float32{0.25, 0.1}, Data(bn.runningMean.Value), 1e-5)
	assert.InDeltaSlice(t, []float32{1.025, 1.0}, Data(bn.runningVar.Value), 1e-5)
}

func TestEvaluateLoss(t *testing.T) {
	net := NewSequential(NewSoftmax())
	_, err := net.InitializeSeeded([]int{2, 2}, 1)
	require.NoError(t, err)
	m := newMachine(t, net, 2, ModeEvaluate)

	pred, loss, err := m.Evaluate(FromData([]float32{0, 0, 0, 0}, 2, 2), []int{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, math.Ln2, loss, 1e-5)
	assert.Equal(t, []int{2, 2}, Dims(pred))

	_, _, err = m.Evaluate(FromData([]float32{0, 0, 0, 0}, 2, 2), []int{0, 2})
	assert.Error(t, err)
	_, _, err = m.Evaluate(FromData([]float32{0, 0, 0, 0}, 2, 2), []int{0})
	assert.Error(t, err)
}

func TestMachineErrors(t *testing.T) {
	net := NewSequential(NewFlatten(), NewLinear(2), NewSoftmax())
	_, err := NewMachine(net, 1, ModePredict)
	assert.Error(t, err, "not initialized")

	_, err = net.InitializeSeeded([]int{1, 1, 2, 2}, 1)
	require.NoError(t, err)
	_, err = NewMachine(net, 0, ModePredict)
	assert.Error(t, err)

	m := newMachine(t, net, 2, ModePredict)
	_, err = m.Predict(Zeros(2, 1, 3, 3))
	assert.Error(t, err)
	_, _, err = m.Evaluate(Zeros(2, 1, 2, 2), []int{0, 1})
	assert.Error(t, err)
	solver, err := NewSolver("adam", 0)
	require.NoError(t, err)
	_, _, err = m.Step(Zeros(2, 1, 2, 2), []int{0, 1}, solver)
	assert.Error(t, err)

	y, err := m.Predict(Zeros(2, 1, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, Dims(y))
}

func TestTrainingReducesLoss(t *testing.T) {
	for _, name := range []string{"adam", "sgd"} {
		t.Run(name, func(t *testing.T) {
			net := NewSequential(
				NewFlatten(),
				NewLinear(8),
				NewBatchNorm(),
				NewReLU(),
				NewLinear(2),
				NewSoftmax(),
			)
			_, err := net.InitializeSeeded([]int{8, 1, 2, 2}, 42)
			require.NoError(t, err)

			// Class 1 iff the first pixel is positive.
			rng := rand.New(rand.NewPCG(3, 3))
			x := randomTensor(rng, 8, 1, 2, 2)
			labels := make([]int, 8)
			for i := range labels {
				if Data(x)[i*4] > 0 {
					labels[i] = 1
				}
			}

			solver, err := NewSolver(name, 0.05)
			require.NoError(t, err)
			m := newMachine(t, net, 8, ModeTrain)

			step := func() float32 {
				_, l, err := m.Step(x, labels, solver)
				require.NoError(t, err)
				return l
			}
			first := step()
			var last float32
			for i := 0; i < 100; i++ {
				last = step()
			}
			assert.Less(t, last, first/2)

			// An evaluation machine sees the trained parameters.
			eval := newMachine(t, net, 8, ModeEvaluate)
			_, l, err := eval.Evaluate(x, labels)
			require.NoError(t, err)
			assert.Less(t, l, first)
		})
	}
}

func TestNewSolver(t *testing.T) {
	for _, name := range []string{"", "adam", "sgd"} {
		s, err := NewSolver(name, 0)
		require.NoError(t, err, name)
		assert.NotNil(t, s)
	}
	_, err := NewSolver("rmsprop", 0.1)
	assert.Error(t, err)
}

func TestOneHot(t *testing.T) {
	y, err := OneHot([]int{2, 0}, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1, 1, 0, 0}, Data(y))

	_, err = OneHot([]int{3}, 3)
	assert.Error(t, err)
}

func TestAccuracy(t *testing.T) {
	var a Accuracy
	assert.Equal(t, 0.0, a.Value())
	require.NoError(t, a.Update(FromData([]float32{0.9, 0.1, 0.2, 0.8, 0.6, 0.4}, 3, 2), []int{0, 0, 0}))
	assert.InDelta(t, 2.0/3, a.Value(), 1e-9)
	assert.Error(t, a.Update(FromData([]float32{0.9, 0.1}, 1, 2), []int{0, 1}))
	a.Reset()
	assert.Equal(t, 0.0, a.Value())
}

func TestSequentialParamNames(t *testing.T) {
	net := NewSequential(NewConv2D(2, 3, 1), NewBatchNorm(), NewReLU(), NewFlatten(), NewLinear(3))
	out, err := net.InitializeSeeded([]int{1, 1, 4, 4}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, out)

	var names []string
	for _, p := range net.Params() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{
		"01Conv2d_weight",
		"01Conv2d_bias",
		"02BatchNorm_gamma",
		"02BatchNorm_beta",
		"02BatchNorm_runningMean",
		"02BatchNorm_runningVar",
		"05Linear_weight",
		"05Linear_bias",
	}, names)
}

func TestSaveLoadParams(t *testing.T) {
	build := func(seed uint64) *Sequential {
		net := NewSequential(NewConv2D(2, 3, 1), NewBatchNorm(), NewFlatten(), NewLinear(3))
		_, err := net.InitializeSeeded([]int{1, 1, 4, 4}, seed)
		require.NoError(t, err)
		return net
	}
	src, dst := build(1), build(2)
	Data(src.Params()[4].Value)[0] = 0.25 // running mean survives the round trip

	var buf bytes.Buffer
	require.NoError(t, SaveParams(&buf, src.Params(), map[string]string{"Epoch": "1"}))

	meta, err := LoadParams(bytes.NewReader(buf.Bytes()), dst.Params())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Epoch": "1"}, meta)
	for i, p := range src.Params() {
		assert.Equal(t, Data(p.Value), Data(dst.Params()[i].Value), p.Name)
	}

	// Shape mismatch is rejected.
	other := NewSequential(NewConv2D(4, 3, 1), NewBatchNorm(), NewFlatten(), NewLinear(3))
	_, err = other.InitializeSeeded([]int{1, 1, 4, 4}, 3)
	require.NoError(t, err)
	_, err = LoadParams(bytes.NewReader(buf.Bytes()), other.Params())
	assert.Error(t, err)

	// Missing parameters are rejected.
	_, err = LoadParams(bytes.NewReader(buf.Bytes()), append(dst.Params(), &Param{Name: "99Extra_weight", Value: Zeros(1, 1)}))
	assert.Error(t, err)

	_, err = LoadParams(bytes.NewReader([]byte{1, 2, 3}), dst.Params())
	assert.Error(t, err)

	err = SaveParams(&bytes.Buffer{}, append(src.Params(), src.Params()[0]), nil)
	assert.Error(t, err)
}
