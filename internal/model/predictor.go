package model

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/Brownie44l1/fruit-api/internal/nn"
)

// Predictor classifies images. Implementations are safe for concurrent use.
type Predictor interface {
	Predict(ctx context.Context, img image.Image) (*Classifications, error)
	Synset() []string
	Close() error
}

// NativePredictor runs the classifier trained by this module on a compiled
// inference graph. Runs are serialized.
type NativePredictor struct {
	mu      sync.Mutex
	machine *nn.Machine

	synset     []string
	properties map[string]string
}

// NewNativePredictor builds the network for the synset and loads its
// parameters from params.
func NewNativePredictor(params io.Reader, synset []string) (*NativePredictor, error) {
	if len(synset) == 0 {
		return nil, fmt.Errorf("synset is empty")
	}
	net := New(len(synset))
	if _, err := net.InitializeSeeded(InputShape(1), 0); err != nil {
		return nil, fmt.Errorf("initialize model: %w", err)
	}
	props, err := nn.LoadParams(params, net.Params())
	if err != nil {
		return nil, fmt.Errorf("load params: %w", err)
	}
	m, err := nn.NewMachine(net, 1, nn.ModePredict)
	if err != nil {
		return nil, fmt.Errorf("compile model: %w", err)
	}
	return &NativePredictor{
		machine:    m,
		synset:     synset,
		properties: props,
	}, nil
}

// Properties returns the properties recorded at training time.
func (p *NativePredictor) Properties() map[string]string {
	return p.properties
}

func (p *NativePredictor) Predict(ctx context.Context, img image.Image) (*Classifications, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x := nn.FromData(preprocess(img, ImageWidth, ImageHeight), InputShape(1)...)

	p.mu.Lock()
	y, err := p.machine.Predict(x)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return NewClassifications(p.synset, nn.Data(y))
}

func (p *NativePredictor) Synset() []string {
	return p.synset
}

func (p *NativePredictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Close()
}
