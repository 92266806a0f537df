package dataset

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime"

	"github.com/Brownie44l1/fruit-api/internal/imageproc"
	"github.com/nfnt/resize"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// Batch is a stacked (N, 3, H, W) input with its labels.
type Batch struct {
	Data   *tensor.Dense
	Labels []int
}

// Loader decodes, transforms and batches items.
type Loader struct {
	Items       []Item
	Transform   imageproc.Transform
	BatchSize   int
	Shuffle     bool
	Parallelism int
	Seed        uint64
}

// TrainTransform resizes and augments training images.
func TrainTransform(width, height int) imageproc.Transform {
	return imageproc.Pipeline{
		imageproc.ResizeTo{Width: width, Height: height, Interp: resize.Bilinear},
		imageproc.RandomFlipLeftRight{},
		imageproc.NewRandomResizedCrop(width, height, 0.8),
	}
}

// EvalTransform only resizes.
func EvalTransform(width, height int) imageproc.Transform {
	return imageproc.ResizeTo{Width: width, Height: height, Interp: resize.Bilinear}
}

// NumBatches returns the number of batches per epoch.
func (l *Loader) NumBatches() int {
	if l.BatchSize <= 0 {
		return 0
	}
	return (len(l.Items) + l.BatchSize - 1) / l.BatchSize
}

// Iterate calls fn for every batch of the given epoch. The order is shuffled
// per epoch when Shuffle is set.
func (l *Loader) Iterate(ctx context.Context, epoch int, fn func(b *Batch) error) error {
	if l.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", l.BatchSize)
	}
	items := l.Items
	if l.Shuffle {
		items = append([]Item(nil), l.Items...)
		rng := rand.New(rand.NewPCG(l.Seed, uint64(epoch)))
		rng.Shuffle(len(items), func(i, j int) {
			items[i], items[j] = items[j], items[i]
		})
	}

	for start := 0; start < len(items); start += l.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+l.BatchSize, len(items))
		b, err := l.load(ctx, items[start:end], epoch, start)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) load(ctx context.Context, items []Item, epoch, offset int) (*Batch, error) {
	samples := make([]*tensor.Dense, len(items))
	labels := make([]int, len(items))

	parallelism := l.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := l.loadOne(item, rand.New(rand.NewPCG(l.Seed^uint64(epoch), uint64(offset+i))))
			if err != nil {
				return err
			}
			samples[i] = t
			labels[i] = item.Label
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data, err := imageproc.Batch(samples)
	if err != nil {
		return nil, err
	}
	return &Batch{Data: data, Labels: labels}, nil
}

func (l *Loader) loadOne(item Item, rng *rand.Rand) (*tensor.Dense, error) {
	f, err := os.Open(item.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", item.Path, err)
	}
	defer func() { _ = f.Close() }()

	img, _, err := imageproc.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", item.Path, err)
	}
	if l.Transform != nil {
		img = l.Transform.Apply(img, rng)
	}
	return imageproc.ToTensor(img), nil
}
