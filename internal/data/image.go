// Package data provides the CIFAR-10 dataset, its preprocessing pipeline and batch loading.
package data

import "fmt"

// Image is a CHW image. Pixels hold raw 0-255 intensities until ToTensor rescales them.
type Image struct {
	C, H, W int
	Pix     []float32
	// Tensor is set once the image has been rescaled to [0, 1]
	Tensor bool
}

func NewImage(c, h, w int) *Image {
	return &Image{C: c, H: h, W: w, Pix: make([]float32, c*h*w)}
}

// ImageFromBytes decodes CHW bytes
func ImageFromBytes(c, h, w int, b []byte) (*Image, error) {
	if len(b) != c*h*w {
		return nil, fmt.Errorf("expected %d bytes for a %dx%dx%d image, got %d", c*h*w, c, h, w, len(b))
	}
	img := NewImage(c, h, w)
	for i, v := range b {
		img.Pix[i] = float32(v)
	}
	return img, nil
}

func (img *Image) At(c, y, x int) float32 {
	return img.Pix[(c*img.H+y)*img.W+x]
}

func (img *Image) Set(c, y, x int, v float32) {
	img.Pix[(c*img.H+y)*img.W+x] = v
}

func (img *Image) Clone() *Image {
	out := *img
	out.Pix = append([]float32(nil), img.Pix...)
	return &out
}
