package nn

import (
	"fmt"
	"math"
)

// BatchNorm2d normalizes each channel over the batch and spatial dimensions.
// Running statistics are updated in training and used in evaluation.
type BatchNorm2d struct {
	Channels int
	Eps      float32
	Momentum float32

	Weight      *Parameter
	Bias        *Parameter
	RunningMean *Parameter
	RunningVar  *Parameter

	xhat   []float32
	invStd []float32
	shape  []int
}

func NewBatchNorm2d(channels int) *BatchNorm2d {
	bn := &BatchNorm2d{
		Channels:    channels,
		Eps:         1e-5,
		Momentum:    0.1,
		Weight:      newParameter(channels),
		Bias:        newParameter(channels),
		RunningMean: newBuffer(channels),
		RunningVar:  newBuffer(channels),
	}
	for i := 0; i < channels; i++ {
		bn.Weight.Value.Data[i] = 1
		bn.RunningVar.Value.Data[i] = 1
	}
	return bn
}

func (bn *BatchNorm2d) Forward(x *Tensor, train bool) (*Tensor, error) {
	n, c, h, w, err := x.dims4()
	if err != nil {
		return nil, err
	}
	if c != bn.Channels {
		return nil, fmt.Errorf("batchnorm expects %d channels, got %d", bn.Channels, c)
	}
	plane := h * w
	m := n * plane
	if train && m < 2 {
		return nil, fmt.Errorf("batchnorm needs more than one value per channel in training, got input %v", x.Shape)
	}
	out := NewTensor(x.Shape...)
	if train {
		bn.xhat = make([]float32, len(x.Data))
		bn.invStd = make([]float32, c)
		bn.shape = x.Shape
	}
	parallelFor(c, func(start, end int) {
		for ch := start; ch < end; ch++ {
			var mean, variance float64
			if train {
				for i := 0; i < n; i++ {
					for _, v := range x.Data[(i*c+ch)*plane : (i*c+ch+1)*plane] {
						mean += float64(v)
					}
				}
				mean /= float64(m)
				for i := 0; i < n; i++ {
					for _, v := range x.Data[(i*c+ch)*plane : (i*c+ch+1)*plane] {
						d := float64(v) - mean
						variance += d * d
					}
				}
				variance /= float64(m)
				mom := float64(bn.Momentum)
				bn.RunningMean.Value.Data[ch] = float32((1-mom)*float64(bn.RunningMean.Value.Data[ch]) + mom*mean)
				unbiased := variance * float64(m) / float64(m-1)
				bn.RunningVar.Value.Data[ch] = float32((1-mom)*float64(bn.RunningVar.Value.Data[ch]) + mom*unbiased)
			} else {
				mean = float64(bn.RunningMean.Value.Data[ch])
				variance = float64(bn.RunningVar.Value.Data[ch])
			}
			inv := float32(1 / math.Sqrt(variance+float64(bn.Eps)))
			gamma, beta := bn.Weight.Value.Data[ch], bn.Bias.Value.Data[ch]
			for i := 0; i < n; i++ {
				off := (i*c + ch) * plane
				for j := off; j < off+plane; j++ {
					xh := (x.Data[j] - float32(mean)) * inv
					if train {
						bn.xhat[j] = xh
					}
					out.Data[j] = gamma*xh + beta
				}
			}
			if train {
				bn.invStd[ch] = inv
			}
		}
	})
	return out, nil
}

func (bn *BatchNorm2d) Backward(grad *Tensor) (*Tensor, error) {
	if bn.xhat == nil || len(grad.Data) != len(bn.xhat) {
		return nil, fmt.Errorf("batchnorm backward got %v without a matching forward", grad.Shape)
	}
	n, c, plane := bn.shape[0], bn.shape[1], bn.shape[2]*bn.shape[3]
	m := float32(n * plane)
	dx := NewTensor(bn.shape...)
	parallelFor(c, func(start, end int) {
		for ch := start; ch < end; ch++ {
			var sumDy, sumDyXhat float32
			for i := 0; i < n; i++ {
				off := (i*c + ch) * plane
				for j := off; j < off+plane; j++ {
					sumDy += grad.Data[j]
					sumDyXhat += grad.Data[j] * bn.xhat[j]
				}
			}
			bn.Weight.Grad.Data[ch] += sumDyXhat
			bn.Bias.Grad.Data[ch] += sumDy
			gamma := bn.Weight.Value.Data[ch]
			scale := gamma * bn.invStd[ch] / m
			for i := 0; i < n; i++ {
				off := (i*c + ch) * plane
				for j := off; j < off+plane; j++ {
					dx.Data[j] = scale * (m*grad.Data[j] - sumDy - bn.xhat[j]*sumDyXhat)
				}
			}
		}
	})
	bn.xhat = nil
	return dx, nil
}

func (bn *BatchNorm2d) Visit(prefix string, fn func(name string, p *Parameter)) {
	fn(join(prefix, "weight"), bn.Weight)
	fn(join(prefix, "bias"), bn.Bias)
	fn(join(prefix, "running_mean"), bn.RunningMean)
	fn(join(prefix, "running_var"), bn.RunningVar)
}
