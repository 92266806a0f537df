// Package nn defines the layers of the fruit classifier on top of gorgonia
// expression graphs.
//
// A layer owns its parameter tensors and knows how to add its ops to a graph.
// Graphs are built per batch size and mode by a Machine; all machines of a
// network share the same parameter tensors, so a solver step through one
// machine is seen by the others.
package nn

import (
	"math/rand/v2"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Param is a named parameter tensor of a layer.
type Param struct {
	Name  string
	Value *tensor.Dense
	// Learnable parameters are updated by the solver. The others (batch norm
	// running statistics) are maintained by their layer.
	Learnable bool
}

// Layer is a building block of a Sequential network.
type Layer interface {
	// Name is the layer kind used in parameter names (e.g. "Conv2d").
	Name() string
	// Initialize allocates parameters for the given input shape (batch
	// dimension included) and returns the output shape.
	Initialize(in []int, rng *rand.Rand) ([]int, error)
	// Apply adds the layer ops on x to the graph of b.
	Apply(b *Builder, x *G.Node) (*G.Node, error)
	// Params returns the layer parameters in a stable order.
	Params() []*Param
}

type boundParam struct {
	param *Param
	node  *G.Node
}

// Builder carries the graph a network is being added to.
type Builder struct {
	g        *G.ExprGraph
	training bool

	bound     []boundParam
	afterStep []func() error
}

func newBuilder(g *G.ExprGraph, training bool) *Builder {
	return &Builder{g: g, training: training}
}

// Graph returns the expression graph.
func (b *Builder) Graph() *G.ExprGraph { return b.g }

// Training reports whether the graph is built for training.
func (b *Builder) Training() bool { return b.training }

// Node returns an input node bound to the parameter tensor.
func (b *Builder) Node(p *Param) *G.Node {
	n := G.NewTensor(b.g, tensor.Float32, p.Value.Dims(),
		G.WithShape(p.Value.Shape()...),
		G.WithName(p.Name),
		G.WithValue(p.Value),
	)
	b.bound = append(b.bound, boundParam{param: p, node: n})
	return n
}

// AfterStep registers fn to run after every solver step.
func (b *Builder) AfterStep(fn func() error) {
	b.afterStep = append(b.afterStep, fn)
}

func (b *Builder) learnables() G.Nodes {
	var ns G.Nodes
	for _, bp := range b.bound {
		if bp.param.Learnable {
			ns = append(ns, bp.node)
		}
	}
	return ns
}

// syncIn makes the graph inputs hold the current parameter values.
func (b *Builder) syncIn() error {
	for _, bp := range b.bound {
		v, ok := bp.node.Value().(*tensor.Dense)
		if !ok {
			if err := G.Let(bp.node, bp.param.Value); err != nil {
				return err
			}
			continue
		}
		if v != bp.param.Value {
			copy(Data(v), Data(bp.param.Value))
		}
	}
	return nil
}

// syncOut copies solver updates back to the parameter tensors.
func (b *Builder) syncOut() {
	for _, bp := range b.bound {
		if !bp.param.Learnable {
			continue
		}
		if v, ok := bp.node.Value().(*tensor.Dense); ok && v != bp.param.Value {
			copy(Data(bp.param.Value), Data(v))
		}
	}
}
