// Package imageproc decodes uploaded images and turns them into model input.
package imageproc

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"

	"github.com/Brownie44l1/fruit-api/internal/nn"
	"github.com/nfnt/resize"
	"gorgonia.org/tensor"
)

// Decode decodes a JPEG, PNG or GIF image.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Resize scales img to exactly width x height.
func Resize(img image.Image, width, height int, interp resize.InterpolationFunction) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	return resize.Resize(uint(width), uint(height), img, interp)
}

// ToTensor converts img into a (3, H, W) tensor with values in [0, 1].
func ToTensor(img image.Image) *tensor.Dense {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		for y := 0; y < height; y++ {
			row := rgba.Pix[y*rgba.Stride:]
			for x := 0; x < width; x++ {
				px := row[x*4:]
				i := y*width + x
				data[i] = float32(px[0]) / 255
				data[plane+i] = float32(px[1]) / 255
				data[2*plane+i] = float32(px[2]) / 255
			}
		}
		return nn.FromData(data, 3, height, width)
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*width + x
			data[i] = float32(r) / 65535
			data[plane+i] = float32(g) / 65535
			data[2*plane+i] = float32(bl) / 65535
		}
	}
	return nn.FromData(data, 3, height, width)
}

// Batch stacks (3, H, W) tensors into a (N, 3, H, W) tensor.
func Batch(samples []*tensor.Dense) (*tensor.Dense, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	shape := nn.Dims(samples[0])
	size := len(nn.Data(samples[0]))
	data := make([]float32, 0, size*len(samples))
	for i, s := range samples {
		d := nn.Data(s)
		if len(d) != size {
			return nil, fmt.Errorf("sample %d has shape %v, want %v", i, s.Shape(), shape)
		}
		data = append(data, d...)
	}
	return nn.FromData(data, append([]int{len(samples)}, shape...)...), nil
}

// toRGBA returns img as an *image.RGBA whose bounds start at the origin.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
