package nn

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Linear is a fully connected layer y = x W^T + b over [N, In] inputs
type Linear struct {
	In, Out int
	Weight  *Parameter
	Bias    *Parameter

	input *Tensor
}

// NewLinear initializes weights and bias uniformly in ±1/sqrt(in)
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	l := &Linear{In: in, Out: out, Weight: newParameter(out, in), Bias: newParameter(out)}
	bound := 1 / math.Sqrt(float64(in))
	for i := range l.Weight.Value.Data {
		l.Weight.Value.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	for i := range l.Bias.Value.Data {
		l.Bias.Value.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return l
}

func (l *Linear) Forward(x *Tensor, train bool) (*Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != l.In {
		return nil, fmt.Errorf("linear expects [N %d] input, got %v", l.In, x.Shape)
	}
	n := x.Shape[0]
	out := NewTensor(n, l.Out)
	matmulABT(x.Data, l.Weight.Value.Data, out.Data, n, l.In, l.Out)
	for i := 0; i < n; i++ {
		for j, b := range l.Bias.Value.Data {
			out.Data[i*l.Out+j] += b
		}
	}
	if train {
		l.input = x
	}
	return out, nil
}

func (l *Linear) Backward(grad *Tensor) (*Tensor, error) {
	if l.input == nil || len(grad.Shape) != 2 || grad.Shape[0] != l.input.Shape[0] || grad.Shape[1] != l.Out {
		return nil, fmt.Errorf("linear backward got %v without a matching forward", grad.Shape)
	}
	n := grad.Shape[0]
	matmulATB(grad.Data, l.input.Data, l.Weight.Grad.Data, l.Out, n, l.In)
	for i := 0; i < n; i++ {
		for j := 0; j < l.Out; j++ {
			l.Bias.Grad.Data[j] += grad.Data[i*l.Out+j]
		}
	}
	dx := NewTensor(n, l.In)
	matmul(grad.Data, l.Weight.Value.Data, dx.Data, n, l.Out, l.In)
	l.input = nil
	return dx, nil
}

func (l *Linear) Visit(prefix string, fn func(name string, p *Parameter)) {
	fn(join(prefix, "weight"), l.Weight)
	fn(join(prefix, "bias"), l.Bias)
}
