package data

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// Transform is one preprocessing step. rng is private to the sample being transformed.
type Transform interface {
	Apply(img *Image, rng *rand.Rand) (*Image, error)
	String() string
}

// Compose applies transforms in order
type Compose struct {
	Transforms []Transform
}

func NewCompose(transforms ...Transform) *Compose {
	return &Compose{Transforms: transforms}
}

// Insert places t before index i with list insertion semantics:
// negative indexes count from the end and indexes past the end append.
func (c *Compose) Insert(i int, t Transform) {
	n := len(c.Transforms)
	if i < 0 {
		i = max(i+n, 0)
	}
	if i > n {
		i = n
	}
	c.Transforms = append(c.Transforms, nil)
	copy(c.Transforms[i+1:], c.Transforms[i:])
	c.Transforms[i] = t
}

// Clone returns a copy whose transform list can be modified independently
func (c *Compose) Clone() *Compose {
	return &Compose{Transforms: append([]Transform(nil), c.Transforms...)}
}

func (c *Compose) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	var err error
	for _, t := range c.Transforms {
		img, err = t.Apply(img, rng)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
	}
	return img, nil
}

func (c *Compose) String() string {
	names := make([]string, len(c.Transforms))
	for i, t := range c.Transforms {
		names[i] = t.String()
	}
	return "Compose(" + strings.Join(names, ", ") + ")"
}

// RandomCrop zero-pads every border by Padding and crops a random Size x Size window
type RandomCrop struct {
	Size    int
	Padding int
}

func (t RandomCrop) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	ph, pw := img.H+2*t.Padding, img.W+2*t.Padding
	if t.Size > ph || t.Size > pw {
		return nil, fmt.Errorf("crop size %d is larger than padded input %dx%d", t.Size, ph, pw)
	}
	top := rng.IntN(ph - t.Size + 1)
	left := rng.IntN(pw - t.Size + 1)
	out := NewImage(img.C, t.Size, t.Size)
	out.Tensor = img.Tensor
	for c := 0; c < img.C; c++ {
		for y := 0; y < t.Size; y++ {
			sy := top + y - t.Padding
			if sy < 0 || sy >= img.H {
				continue
			}
			for x := 0; x < t.Size; x++ {
				sx := left + x - t.Padding
				if sx < 0 || sx >= img.W {
					continue
				}
				out.Set(c, y, x, img.At(c, sy, sx))
			}
		}
	}
	return out, nil
}

func (t RandomCrop) String() string {
	return fmt.Sprintf("RandomCrop(size=%d, padding=%d)", t.Size, t.Padding)
}

// RandomHorizontalFlip mirrors the image left to right with probability P
type RandomHorizontalFlip struct {
	P float64
}

func (t RandomHorizontalFlip) Apply(img *Image, rng *rand.Rand) (*Image, error) {
	if rng.Float64() >= t.P {
		return img, nil
	}
	out := img.Clone()
	for c := 0; c < img.C; c++ {
		for y := 0; y < img.H; y++ {
			for x := 0; x < img.W; x++ {
				out.Set(c, y, x, img.At(c, y, img.W-1-x))
			}
		}
	}
	return out, nil
}

func (t RandomHorizontalFlip) String() string {
	return fmt.Sprintf("RandomHorizontalFlip(p=%g)", t.P)
}

// ToTensor rescales 0-255 pixels to [0, 1]
type ToTensor struct{}

func (ToTensor) Apply(img *Image, _ *rand.Rand) (*Image, error) {
	if img.Tensor {
		return nil, fmt.Errorf("image is already a tensor")
	}
	out := img.Clone()
	for i, v := range out.Pix {
		out.Pix[i] = v / 255
	}
	out.Tensor = true
	return out, nil
}

func (ToTensor) String() string {
	return "ToTensor()"
}

// Normalize standardizes each channel of a tensor image
type Normalize struct {
	Mean []float32
	Std  []float32
}

func (t Normalize) Apply(img *Image, _ *rand.Rand) (*Image, error) {
	if !img.Tensor {
		return nil, fmt.Errorf("normalize expects a tensor image, apply ToTensor first")
	}
	if len(t.Mean) != img.C || len(t.Std) != img.C {
		return nil, fmt.Errorf("normalize has %d/%d channel statistics for a %d channel image", len(t.Mean), len(t.Std), img.C)
	}
	out := img.Clone()
	plane := img.H * img.W
	for c := 0; c < img.C; c++ {
		for i := c * plane; i < (c+1)*plane; i++ {
			out.Pix[i] = (out.Pix[i] - t.Mean[c]) / t.Std[c]
		}
	}
	return out, nil
}

func (t Normalize) String() string {
	return fmt.Sprintf("Normalize(mean=%v, std=%v)", t.Mean, t.Std)
}
