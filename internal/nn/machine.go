package nn

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Mode selects what a Machine computes.
type Mode int

const (
	// ModePredict runs the inference graph.
	ModePredict Mode = iota
	// ModeEvaluate runs the inference graph and the loss.
	ModeEvaluate
	// ModeTrain runs the training graph, the loss and its gradients.
	ModeTrain
)

func (m Mode) String() string {
	switch m {
	case ModePredict:
		return "predict"
	case ModeEvaluate:
		return "evaluate"
	case ModeTrain:
		return "train"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

const probFloor = 1e-7

// Machine runs a network on batches of a fixed size with a gorgonia tape
// machine. It is not safe for concurrent use.
type Machine struct {
	mode    Mode
	classes int

	g          *G.ExprGraph
	vm         G.VM
	b          *Builder
	x, y       *G.Node
	learnables G.Nodes

	out, cost G.Value
}

// NewMachine builds the graph of net for the given batch size. The network
// must be initialized.
func NewMachine(net *Sequential, batch int, mode Mode) (*Machine, error) {
	in := net.InputShape()
	if in == nil {
		return nil, fmt.Errorf("machine: network is not initialized")
	}
	if batch <= 0 {
		return nil, fmt.Errorf("machine: batch size must be positive, got %d", batch)
	}
	out := net.OutputShape()
	if len(out) != 2 {
		return nil, fmt.Errorf("machine: expected (N, C) network output, got %v", out)
	}
	shape := append([]int{batch}, in[1:]...)

	g := G.NewGraph()
	m := &Machine{
		mode:    mode,
		classes: out[1],
		g:       g,
		b:       newBuilder(g, mode == ModeTrain),
	}
	m.x = G.NewTensor(g, tensor.Float32, len(shape), G.WithShape(shape...), G.WithName("x"))
	pred, err := net.Apply(m.b, m.x)
	if err != nil {
		return nil, err
	}
	G.Read(pred, &m.out)

	if mode == ModePredict {
		m.vm = G.NewTapeMachine(g)
		return m, nil
	}

	m.y = G.NewMatrix(g, tensor.Float32, G.WithShape(batch, m.classes), G.WithName("y"))
	cost, err := crossEntropy(pred, m.y)
	if err != nil {
		return nil, fmt.Errorf("machine: loss: %w", err)
	}
	G.Read(cost, &m.cost)

	if mode == ModeTrain {
		m.learnables = m.b.learnables()
		if _, err := G.Grad(cost, m.learnables...); err != nil {
			return nil, fmt.Errorf("machine: gradients: %w", err)
		}
		m.vm = G.NewTapeMachine(g, G.BindDualValues(m.learnables...))
		return m, nil
	}
	m.vm = G.NewTapeMachine(g)
	return m, nil
}

// crossEntropy returns the mean over the batch of -sum(y * log(p)).
func crossEntropy(prob, y *G.Node) (*G.Node, error) {
	p, err := G.Add(prob, G.NewConstant(float32(probFloor)))
	if err != nil {
		return nil, err
	}
	logp, err := G.Log(p)
	if err != nil {
		return nil, err
	}
	ll, err := G.HadamardProd(logp, y)
	if err != nil {
		return nil, err
	}
	perSample, err := G.Sum(ll, 1)
	if err != nil {
		return nil, err
	}
	mean, err := G.Mean(perSample)
	if err != nil {
		return nil, err
	}
	return G.Neg(mean)
}

// Mode returns the machine mode.
func (m *Machine) Mode() Mode { return m.mode }

// Predict returns the (N, C) network output for x.
func (m *Machine) Predict(x *tensor.Dense) (*tensor.Dense, error) {
	defer m.vm.Reset()
	return m.run(x, nil)
}

// Evaluate returns the network output for x and the loss against labels.
func (m *Machine) Evaluate(x *tensor.Dense, labels []int) (*tensor.Dense, float32, error) {
	if m.mode == ModePredict {
		return nil, 0, fmt.Errorf("machine: evaluate on a %s machine", m.mode)
	}
	defer m.vm.Reset()
	pred, err := m.run(x, labels)
	if err != nil {
		return nil, 0, err
	}
	loss, err := m.loss()
	return pred, loss, err
}

// Step runs a training pass over x and labels and updates the network
// parameters with solver. It returns the output and the loss before the
// update.
func (m *Machine) Step(x *tensor.Dense, labels []int, solver G.Solver) (*tensor.Dense, float32, error) {
	if m.mode != ModeTrain {
		return nil, 0, fmt.Errorf("machine: step on a %s machine", m.mode)
	}
	defer m.vm.Reset()
	pred, err := m.run(x, labels)
	if err != nil {
		return nil, 0, err
	}
	loss, err := m.loss()
	if err != nil {
		return nil, 0, err
	}
	if err := solver.Step(G.NodesToValueGrads(m.learnables)); err != nil {
		return nil, 0, fmt.Errorf("machine: solver step: %w", err)
	}
	m.b.syncOut()
	for _, fn := range m.b.afterStep {
		if err := fn(); err != nil {
			return nil, 0, err
		}
	}
	return pred, loss, nil
}

func (m *Machine) run(x *tensor.Dense, labels []int) (*tensor.Dense, error) {
	if want := m.x.Shape(); !sameShape(x.Shape(), want) {
		return nil, fmt.Errorf("machine: input shape %v, want %v", x.Shape(), want)
	}
	if err := m.b.syncIn(); err != nil {
		return nil, fmt.Errorf("machine: bind parameters: %w", err)
	}
	if err := G.Let(m.x, x); err != nil {
		return nil, fmt.Errorf("machine: bind input: %w", err)
	}
	if m.y != nil {
		if len(labels) != x.Shape()[0] {
			return nil, fmt.Errorf("machine: %d labels for batch of %d", len(labels), x.Shape()[0])
		}
		y, err := OneHot(labels, m.classes)
		if err != nil {
			return nil, err
		}
		if err := G.Let(m.y, y); err != nil {
			return nil, fmt.Errorf("machine: bind labels: %w", err)
		}
	}
	if err := m.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("machine: run: %w", err)
	}
	out, ok := m.out.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("machine: unexpected output %T", m.out)
	}
	return out.Clone().(*tensor.Dense), nil
}

func (m *Machine) loss() (float32, error) {
	v, err := float32s(m.cost)
	if err != nil {
		return 0, fmt.Errorf("machine: loss: %w", err)
	}
	if len(v) != 1 {
		return 0, fmt.Errorf("machine: loss has %d values", len(v))
	}
	return v[0], nil
}

// Close releases the tape machine.
func (m *Machine) Close() error {
	return m.vm.Close()
}

// OneHot encodes labels as an (N, classes) float32 matrix.
func OneHot(labels []int, classes int) (*tensor.Dense, error) {
	t := Zeros(len(labels), classes)
	d := Data(t)
	for i, l := range labels {
		if l < 0 || l >= classes {
			return nil, fmt.Errorf("label %d out of range [0, %d)", l, classes)
		}
		d[i*classes+l] = 1
	}
	return t, nil
}
