package nn

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
)

// Conv2d is a 2D convolution with square kernels, computed through im2col
type Conv2d struct {
	InChannels, OutChannels int
	Kernel, Stride, Padding int

	Weight *Parameter
	Bias   *Parameter

	input      *Tensor
	cols       [][]float32
	outH, outW int
}

// NewConv2d creates a convolution with Kaiming-normal (fan out) weights
func NewConv2d(in, out, kernel, stride, padding int, bias bool, rng *rand.Rand) *Conv2d {
	c := &Conv2d{
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		Weight:      newParameter(out, in, kernel, kernel),
	}
	std := math.Sqrt(2.0 / float64(out*kernel*kernel))
	for i := range c.Weight.Value.Data {
		c.Weight.Value.Data[i] = float32(rng.NormFloat64() * std)
	}
	if bias {
		c.Bias = newParameter(out)
	}
	return c
}

func (c *Conv2d) outputSize(h, w int) (int, int) {
	return (h+2*c.Padding-c.Kernel)/c.Stride + 1, (w+2*c.Padding-c.Kernel)/c.Stride + 1
}

func (c *Conv2d) im2col(x []float32, h, w int, col []float32) {
	k, s, p := c.Kernel, c.Stride, c.Padding
	plane := c.outH * c.outW
	for ch := 0; ch < c.InChannels; ch++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((ch*k+ky)*k+kx)*plane:]
				for oy := 0; oy < c.outH; oy++ {
					iy := oy*s - p + ky
					for ox := 0; ox < c.outW; ox++ {
						ix := ox*s - p + kx
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							row[oy*c.outW+ox] = 0
							continue
						}
						row[oy*c.outW+ox] = x[(ch*h+iy)*w+ix]
					}
				}
			}
		}
	}
}

func (c *Conv2d) col2im(col []float32, h, w int, x []float32) {
	k, s, p := c.Kernel, c.Stride, c.Padding
	plane := c.outH * c.outW
	for ch := 0; ch < c.InChannels; ch++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((ch*k+ky)*k+kx)*plane:]
				for oy := 0; oy < c.outH; oy++ {
					iy := oy*s - p + ky
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < c.outW; ox++ {
						ix := ox*s - p + kx
						if ix < 0 || ix >= w {
							continue
						}
						x[(ch*h+iy)*w+ix] += row[oy*c.outW+ox]
					}
				}
			}
		}
	}
}

func (c *Conv2d) Forward(x *Tensor, train bool) (*Tensor, error) {
	n, ch, h, w, err := x.dims4()
	if err != nil {
		return nil, err
	}
	if ch != c.InChannels {
		return nil, fmt.Errorf("conv expects %d input channels, got %d", c.InChannels, ch)
	}
	c.outH, c.outW = c.outputSize(h, w)
	if c.outH <= 0 || c.outW <= 0 {
		return nil, fmt.Errorf("input %dx%d is too small for kernel %d", h, w, c.Kernel)
	}
	rows := c.InChannels * c.Kernel * c.Kernel
	plane := c.outH * c.outW
	out := NewTensor(n, c.OutChannels, c.outH, c.outW)
	cols := make([][]float32, n)
	parallelFor(n, func(start, end int) {
		for i := start; i < end; i++ {
			col := make([]float32, rows*plane)
			c.im2col(x.Data[i*ch*h*w:(i+1)*ch*h*w], h, w, col)
			o := out.Data[i*c.OutChannels*plane : (i+1)*c.OutChannels*plane]
			matmul(c.Weight.Value.Data, col, o, c.OutChannels, rows, plane)
			if c.Bias != nil {
				for oc := 0; oc < c.OutChannels; oc++ {
					b := c.Bias.Value.Data[oc]
					for j := oc * plane; j < (oc+1)*plane; j++ {
						o[j] += b
					}
				}
			}
			cols[i] = col
		}
	})
	if train {
		c.input, c.cols = x, cols
	}
	return out, nil
}

func (c *Conv2d) Backward(grad *Tensor) (*Tensor, error) {
	if c.input == nil {
		return nil, fmt.Errorf("conv backward called without a training forward")
	}
	n, ch, h, w, _ := c.input.dims4()
	if len(grad.Shape) != 4 || grad.Shape[0] != n || grad.Shape[1] != c.OutChannels || grad.Shape[2] != c.outH || grad.Shape[3] != c.outW {
		return nil, fmt.Errorf("conv backward expects gradient [%d %d %d %d], got %v", n, c.OutChannels, c.outH, c.outW, grad.Shape)
	}
	rows := c.InChannels * c.Kernel * c.Kernel
	plane := c.outH * c.outW
	dx := NewTensor(n, ch, h, w)
	var mu sync.Mutex
	parallelFor(n, func(start, end int) {
		dw := make([]float32, len(c.Weight.Grad.Data))
		var db []float32
		if c.Bias != nil {
			db = make([]float32, c.OutChannels)
		}
		dcol := make([]float32, rows*plane)
		for i := start; i < end; i++ {
			g := grad.Data[i*c.OutChannels*plane : (i+1)*c.OutChannels*plane]
			matmulABT(g, c.cols[i], dw, c.OutChannels, plane, rows)
			for oc := range db {
				for _, v := range g[oc*plane : (oc+1)*plane] {
					db[oc] += v
				}
			}
			clear(dcol)
			matmulATB(c.Weight.Value.Data, g, dcol, rows, c.OutChannels, plane)
			c.col2im(dcol, h, w, dx.Data[i*ch*h*w:(i+1)*ch*h*w])
		}
		mu.Lock()
		defer mu.Unlock()
		for j, v := range dw {
			c.Weight.Grad.Data[j] += v
		}
		for j, v := range db {
			c.Bias.Grad.Data[j] += v
		}
	})
	c.input, c.cols = nil, nil
	return dx, nil
}

func (c *Conv2d) Visit(prefix string, fn func(name string, p *Parameter)) {
	fn(join(prefix, "weight"), c.Weight)
	if c.Bias != nil {
		fn(join(prefix, "bias"), c.Bias)
	}
}
