// Package train runs the fit loop of a network over image datasets.
package train

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Brownie44l1/fruit-api/internal/dataset"
	"github.com/Brownie44l1/fruit-api/internal/nn"
	"github.com/go-logr/logr"
	G "gorgonia.org/gorgonia"
)

// Model property keys stored alongside trained parameters.
const (
	PropertyEpoch    = "Epoch"
	PropertyAccuracy = "Accuracy"
	PropertyLoss     = "Loss"
)

// Listener observes training progress.
type Listener interface {
	OnBatch(epoch, batch, numBatches int, loss float32)
	OnEpoch(r EpochResult)
}

// Config configures a Trainer.
type Config struct {
	Solver    G.Solver
	Listeners []Listener
	// Seed drives parameter initialization.
	Seed uint64
}

// Trainer fits a network with softmax cross entropy, a gorgonia solver and
// an accuracy evaluator. Graphs are compiled lazily per batch size.
type Trainer struct {
	net       *nn.Sequential
	solver    G.Solver
	listeners []Listener
	seed      uint64

	initialized bool
	machines    map[machineKey]*nn.Machine
}

type machineKey struct {
	batch int
	mode  nn.Mode
}

// New returns a trainer for net. A nil solver defaults to Adam.
func New(net *nn.Sequential, c Config) *Trainer {
	solver := c.Solver
	if solver == nil {
		solver, _ = nn.NewSolver("adam", 0)
	}
	return &Trainer{
		net:       net,
		solver:    solver,
		listeners: c.Listeners,
		seed:      c.Seed,
		machines:  map[machineKey]*nn.Machine{},
	}
}

// Initialize initializes the network parameters for the given input shape.
func (t *Trainer) Initialize(inputShape []int) error {
	if err := t.Close(); err != nil {
		return err
	}
	if _, err := t.net.InitializeSeeded(inputShape, t.seed); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	t.initialized = true
	return nil
}

// Close releases the compiled graphs.
func (t *Trainer) Close() error {
	var errs []error
	for k, m := range t.machines {
		errs = append(errs, m.Close())
		delete(t.machines, k)
	}
	return errors.Join(errs...)
}

func (t *Trainer) machine(batch int, mode nn.Mode) (*nn.Machine, error) {
	k := machineKey{batch: batch, mode: mode}
	if m, ok := t.machines[k]; ok {
		return m, nil
	}
	m, err := nn.NewMachine(t.net, batch, mode)
	if err != nil {
		return nil, err
	}
	t.machines[k] = m
	return m, nil
}

// EpochResult holds the metrics of one epoch.
type EpochResult struct {
	Epoch            int
	TrainLoss        float64
	TrainAccuracy    float64
	ValidateLoss     float64
	ValidateAccuracy float64
	Duration         time.Duration
}

// Result is the outcome of Fit.
type Result struct {
	Epochs []EpochResult
	// ValidateLoss and ValidateAccuracy are the metrics of the last epoch.
	// Without a validation set they fall back to the training metrics.
	ValidateLoss     float64
	ValidateAccuracy float64
}

// Properties returns the model properties recorded with the parameters.
func (r *Result) Properties() map[string]string {
	return map[string]string{
		PropertyEpoch:    strconv.Itoa(len(r.Epochs)),
		PropertyAccuracy: fmt.Sprintf("%.5f", r.ValidateAccuracy),
		PropertyLoss:     fmt.Sprintf("%.5f", r.ValidateLoss),
	}
}

// Fit trains for the given number of epochs. validate may be nil.
func (t *Trainer) Fit(ctx context.Context, epochs int, train, validate *dataset.Loader) (*Result, error) {
	if !t.initialized {
		return nil, fmt.Errorf("fit: trainer is not initialized")
	}
	if epochs <= 0 {
		return nil, fmt.Errorf("fit: epochs must be positive, got %d", epochs)
	}
	if train == nil {
		return nil, fmt.Errorf("fit: training loader is required")
	}

	res := &Result{}
	for epoch := 0; epoch < epochs; epoch++ {
		start := time.Now()
		er := EpochResult{Epoch: epoch + 1}

		var err error
		er.TrainLoss, er.TrainAccuracy, err = t.trainEpoch(ctx, epoch, train)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: train: %w", epoch+1, err)
		}
		if validate != nil {
			er.ValidateLoss, er.ValidateAccuracy, err = t.Evaluate(ctx, validate)
			if err != nil {
				return nil, fmt.Errorf("epoch %d: validate: %w", epoch+1, err)
			}
		} else {
			er.ValidateLoss, er.ValidateAccuracy = er.TrainLoss, er.TrainAccuracy
		}
		er.Duration = time.Since(start)

		res.Epochs = append(res.Epochs, er)
		res.ValidateLoss, res.ValidateAccuracy = er.ValidateLoss, er.ValidateAccuracy
		for _, l := range t.listeners {
			l.OnEpoch(er)
		}
	}
	return res, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int, loader *dataset.Loader) (float64, float64, error) {
	var (
		acc       nn.Accuracy
		totalLoss float64
		seen      int
		batch     int
	)
	numBatches := loader.NumBatches()
	err := loader.Iterate(ctx, epoch, func(b *dataset.Batch) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := t.machine(len(b.Labels), nn.ModeTrain)
		if err != nil {
			return err
		}
		pred, loss, err := m.Step(b.Data, b.Labels, t.solver)
		if err != nil {
			return err
		}
		if err := acc.Update(pred, b.Labels); err != nil {
			return err
		}
		totalLoss += float64(loss) * float64(len(b.Labels))
		seen += len(b.Labels)
		batch++
		for _, l := range t.listeners {
			l.OnBatch(epoch+1, batch, numBatches, loss)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if seen == 0 {
		return 0, 0, fmt.Errorf("empty training set")
	}
	return totalLoss / float64(seen), acc.Value(), nil
}

// Evaluate runs inference over the loader and returns the mean loss and the
// accuracy.
func (t *Trainer) Evaluate(ctx context.Context, loader *dataset.Loader) (float64, float64, error) {
	var (
		acc       nn.Accuracy
		totalLoss float64
		seen      int
	)
	err := loader.Iterate(ctx, 0, func(b *dataset.Batch) error {
		m, err := t.machine(len(b.Labels), nn.ModeEvaluate)
		if err != nil {
			return err
		}
		pred, loss, err := m.Evaluate(b.Data, b.Labels)
		if err != nil {
			return err
		}
		if err := acc.Update(pred, b.Labels); err != nil {
			return err
		}
		totalLoss += float64(loss) * float64(len(b.Labels))
		seen += len(b.Labels)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if seen == 0 {
		return 0, 0, nil
	}
	return totalLoss / float64(seen), acc.Value(), nil
}

// LoggingListener logs batch progress at V(1) and epoch summaries at V(0).
type LoggingListener struct {
	logger logr.Logger
}

// NewLoggingListener returns a listener writing to logger.
func NewLoggingListener(logger logr.Logger) *LoggingListener {
	return &LoggingListener{logger: logger.WithName("train")}
}

// OnBatch implements Listener.
func (l *LoggingListener) OnBatch(epoch, batch, numBatches int, loss float32) {
	l.logger.V(1).Info("Training", "epoch", epoch, "batch", fmt.Sprintf("%d/%d", batch, numBatches), "loss", loss)
}

// OnEpoch implements Listener.
func (l *LoggingListener) OnEpoch(r EpochResult) {
	l.logger.Info("Epoch finished",
		"epoch", r.Epoch,
		"trainLoss", fmt.Sprintf("%.5f", r.TrainLoss),
		"trainAccuracy", fmt.Sprintf("%.5f", r.TrainAccuracy),
		"validateLoss", fmt.Sprintf("%.5f", r.ValidateLoss),
		"validateAccuracy", fmt.Sprintf("%.5f", r.ValidateAccuracy),
		"duration", r.Duration,
	)
}
