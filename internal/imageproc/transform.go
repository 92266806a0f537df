package imageproc

import (
	"image"
	"image/draw"
	"math"
	"math/rand/v2"

	"github.com/nfnt/resize"
)

// Transform maps an image to another image. Random transforms draw from rng.
type Transform interface {
	Apply(img image.Image, rng *rand.Rand) image.Image
}

// Pipeline applies transforms in order.
type Pipeline []Transform

// Apply implements Transform.
func (p Pipeline) Apply(img image.Image, rng *rand.Rand) image.Image {
	for _, t := range p {
		img = t.Apply(img, rng)
	}
	return img
}

// ResizeTo resizes to a fixed size.
type ResizeTo struct {
	Width  int
	Height int
	Interp resize.InterpolationFunction
}

// Apply implements Transform.
func (r ResizeTo) Apply(img image.Image, _ *rand.Rand) image.Image {
	return Resize(img, r.Width, r.Height, r.Interp)
}

// RandomFlipLeftRight mirrors the image horizontally with probability 0.5.
type RandomFlipLeftRight struct{}

// Apply implements Transform.
func (RandomFlipLeftRight) Apply(img image.Image, rng *rand.Rand) image.Image {
	if rng.IntN(2) == 0 {
		return img
	}
	return FlipLeftRight(img)
}

// FlipLeftRight mirrors img horizontally.
func FlipLeftRight(img image.Image) image.Image {
	src := toRGBA(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		srow := src.Pix[y*src.Stride : y*src.Stride+w*4]
		drow := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			copy(drow[(w-1-x)*4:(w-x)*4], srow[x*4:(x+1)*4])
		}
	}
	return dst
}

// RandomResizedCrop crops a random region covering between MinAreaScale and
// MaxAreaScale of the image with an aspect ratio between MinAspectRatio and
// MaxAspectRatio, then resizes it to Width x Height.
type RandomResizedCrop struct {
	Width          int
	Height         int
	MinAreaScale   float64
	MaxAreaScale   float64
	MinAspectRatio float64
	MaxAspectRatio float64
}

// NewRandomResizedCrop returns a crop with the given minimum area scale and
// the usual 3/4 to 4/3 aspect ratio range.
func NewRandomResizedCrop(width, height int, minAreaScale float64) RandomResizedCrop {
	return RandomResizedCrop{
		Width:          width,
		Height:         height,
		MinAreaScale:   minAreaScale,
		MaxAreaScale:   1,
		MinAspectRatio: 3.0 / 4,
		MaxAspectRatio: 4.0 / 3,
	}
}

// Apply implements Transform.
func (c RandomResizedCrop) Apply(img image.Image, rng *rand.Rand) image.Image {
	src := toRGBA(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	rect := c.pick(w, h, rng)

	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(crop, crop.Bounds(), src, rect.Min, draw.Src)
	return Resize(crop, c.Width, c.Height, resize.Bilinear)
}

func (c RandomResizedCrop) pick(w, h int, rng *rand.Rand) image.Rectangle {
	area := float64(w * h)
	minA, maxA := c.MinAreaScale, c.MaxAreaScale
	if maxA <= 0 || maxA > 1 {
		maxA = 1
	}
	if minA <= 0 || minA > maxA {
		minA = maxA
	}
	minR, maxR := c.MinAspectRatio, c.MaxAspectRatio
	if minR <= 0 || maxR <= 0 || minR > maxR {
		minR, maxR = 1, 1
	}
	logMin, logMax := math.Log(minR), math.Log(maxR)

	for i := 0; i < 10; i++ {
		target := area * (minA + rng.Float64()*(maxA-minA))
		ratio := math.Exp(logMin + rng.Float64()*(logMax-logMin))
		cw := int(math.Round(math.Sqrt(target * ratio)))
		ch := int(math.Round(math.Sqrt(target / ratio)))
		if cw <= 0 || ch <= 0 || cw > w || ch > h {
			continue
		}
		x := rng.IntN(w - cw + 1)
		y := rng.IntN(h - ch + 1)
		return image.Rect(x, y, x+cw, y+ch)
	}
	return image.Rect(0, 0, w, h)
}
