// Package model defines the fruit classifier network and serves predictions
// from it.
package model

import (
	"image"

	"github.com/Brownie44l1/fruit-api/internal/imageproc"
	"github.com/Brownie44l1/fruit-api/internal/nn"
	"github.com/nfnt/resize"
)

const (
	// NumOfOutput is the number of fruit categories of the reference dataset.
	NumOfOutput = 8
	ImageHeight = 128
	ImageWidth  = 128
	// Name is the base name of the model artifacts.
	Name = "fruitclassifier"
)

// New builds the classifier for numClasses categories: three
// Conv/BatchNorm/ReLU/MaxPool/Dropout blocks followed by a dense head ending
// in softmax.
func New(numClasses int) *nn.Sequential {
	net := nn.NewSequential()
	for _, filters := range []int{32, 64, 128} {
		net.Add(nn.NewConv2D(filters, 3, 1)).
			Add(nn.NewBatchNorm()).
			Add(nn.NewReLU()).
			Add(nn.NewMaxPool2D(2, 2)).
			Add(nn.NewDropout(0.25))
	}
	return net.Add(nn.NewFlatten()).
		Add(nn.NewLinear(512)).
		Add(nn.NewBatchNorm()).
		Add(nn.NewReLU()).
		Add(nn.NewDropout(0.5)).
		Add(nn.NewLinear(numClasses)).
		Add(nn.NewSoftmax())
}

// InputShape returns the NCHW input shape for a batch.
func InputShape(batch int) []int {
	return []int{batch, 3, ImageHeight, ImageWidth}
}

// preprocess resizes img and returns its CHW float data in [0, 1].
func preprocess(img image.Image, width, height int) []float32 {
	return nn.Data(imageproc.ToTensor(imageproc.Resize(img, width, height, resize.Bilinear)))
}
