package nn

import (
	"fmt"
	"math"
)

// MaxPool2d takes the maximum over square windows. Padding never wins the maximum.
type MaxPool2d struct {
	Kernel, Stride, Padding int

	argmax []int
	shape  []int
}

func NewMaxPool2d(kernel, stride, padding int) *MaxPool2d {
	return &MaxPool2d{Kernel: kernel, Stride: stride, Padding: padding}
}

func (p *MaxPool2d) Forward(x *Tensor, train bool) (*Tensor, error) {
	n, c, h, w, err := x.dims4()
	if err != nil {
		return nil, err
	}
	oh := (h+2*p.Padding-p.Kernel)/p.Stride + 1
	ow := (w+2*p.Padding-p.Kernel)/p.Stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("input %dx%d is too small for max pool kernel %d", h, w, p.Kernel)
	}
	out := NewTensor(n, c, oh, ow)
	argmax := make([]int, len(out.Data))
	parallelFor(n*c, func(start, end int) {
		for plane := start; plane < end; plane++ {
			in := plane * h * w
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					best, bestIdx := float32(math.Inf(-1)), -1
					for ky := 0; ky < p.Kernel; ky++ {
						iy := oy*p.Stride - p.Padding + ky
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < p.Kernel; kx++ {
							ix := ox*p.Stride - p.Padding + kx
							if ix < 0 || ix >= w {
								continue
							}
							if idx := in + iy*w + ix; bestIdx < 0 || x.Data[idx] > best {
								best, bestIdx = x.Data[idx], idx
							}
						}
					}
					o := (plane*oh+oy)*ow + ox
					out.Data[o] = best
					argmax[o] = bestIdx
				}
			}
		}
	})
	if train {
		p.argmax, p.shape = argmax, x.Shape
	}
	return out, nil
}

func (p *MaxPool2d) Backward(grad *Tensor) (*Tensor, error) {
	if len(grad.Data) != len(p.argmax) {
		return nil, fmt.Errorf("max pool backward got %v without a matching forward", grad.Shape)
	}
	dx := NewTensor(p.shape...)
	for o, idx := range p.argmax {
		dx.Data[idx] += grad.Data[o]
	}
	return dx, nil
}

func (p *MaxPool2d) Visit(string, func(string, *Parameter)) {}

// GlobalAvgPool averages every channel plane, producing an [N, C] tensor
type GlobalAvgPool struct {
	shape []int
}

func (p *GlobalAvgPool) Forward(x *Tensor, train bool) (*Tensor, error) {
	n, c, h, w, err := x.dims4()
	if err != nil {
		return nil, err
	}
	plane := h * w
	out := NewTensor(n, c)
	for i := range out.Data {
		var sum float32
		for _, v := range x.Data[i*plane : (i+1)*plane] {
			sum += v
		}
		out.Data[i] = sum / float32(plane)
	}
	if train {
		p.shape = x.Shape
	}
	return out, nil
}

func (p *GlobalAvgPool) Backward(grad *Tensor) (*Tensor, error) {
	if p.shape == nil || len(grad.Data) != p.shape[0]*p.shape[1] {
		return nil, fmt.Errorf("avg pool backward got %v without a matching forward", grad.Shape)
	}
	plane := p.shape[2] * p.shape[3]
	dx := NewTensor(p.shape...)
	for i, g := range grad.Data {
		g /= float32(plane)
		for j := i * plane; j < (i+1)*plane; j++ {
			dx.Data[j] = g
		}
	}
	return dx, nil
}

func (p *GlobalAvgPool) Visit(string, func(string, *Parameter)) {}
