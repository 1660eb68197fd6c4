package nn

import (
	"fmt"
	"strconv"
)

// Parameter is a named tensor owned by a layer. Buffers such as running statistics have no gradient.
type Parameter struct {
	Value *Tensor
	Grad  *Tensor
}

func newParameter(shape ...int) *Parameter {
	return &Parameter{Value: NewTensor(shape...), Grad: NewTensor(shape...)}
}

func newBuffer(shape ...int) *Parameter {
	return &Parameter{Value: NewTensor(shape...)}
}

func (p *Parameter) Trainable() bool {
	return p.Grad != nil
}

// Layer is a differentiable block. Backward must follow the Forward call it differentiates,
// with train set, and accumulates parameter gradients.
type Layer interface {
	Forward(x *Tensor, train bool) (*Tensor, error)
	Backward(grad *Tensor) (*Tensor, error)
	// Visit calls fn for every parameter and buffer, named below prefix
	Visit(prefix string, fn func(name string, p *Parameter))
}

type NamedParameter struct {
	Name string
	*Parameter
}

// AllParameters lists the parameters and buffers of l in a stable order
func AllParameters(l Layer) []NamedParameter {
	var out []NamedParameter
	l.Visit("", func(name string, p *Parameter) {
		out = append(out, NamedParameter{Name: name, Parameter: p})
	})
	return out
}

// TrainableParameters lists the parameters of l that receive gradients
func TrainableParameters(l Layer) []NamedParameter {
	var out []NamedParameter
	for _, p := range AllParameters(l) {
		if p.Trainable() {
			out = append(out, p)
		}
	}
	return out
}

func ZeroGrad(l Layer) {
	for _, p := range TrainableParameters(l) {
		p.Grad.Zero()
	}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Sequential chains layers, naming them by position
type Sequential []Layer

func (s Sequential) Forward(x *Tensor, train bool) (*Tensor, error) {
	var err error
	for i, l := range s {
		x, err = l.Forward(x, train)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return x, nil
}

func (s Sequential) Backward(grad *Tensor) (*Tensor, error) {
	var err error
	for i := len(s) - 1; i >= 0; i-- {
		grad, err = s[i].Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return grad, nil
}

func (s Sequential) Visit(prefix string, fn func(name string, p *Parameter)) {
	for i, l := range s {
		l.Visit(join(prefix, strconv.Itoa(i)), fn)
	}
}

// ReLU zeroes negative activations
type ReLU struct {
	mask []bool
}

func (r *ReLU) Forward(x *Tensor, train bool) (*Tensor, error) {
	out := x.Clone()
	if train {
		r.mask = make([]bool, len(x.Data))
	}
	for i, v := range out.Data {
		if v <= 0 {
			out.Data[i] = 0
		} else if train {
			r.mask[i] = true
		}
	}
	return out, nil
}

func (r *ReLU) Backward(grad *Tensor) (*Tensor, error) {
	if len(r.mask) != len(grad.Data) {
		return nil, fmt.Errorf("relu backward got %v without a matching forward", grad.Shape)
	}
	out := grad.Clone()
	for i, keep := range r.mask {
		if !keep {
			out.Data[i] = 0
		}
	}
	return out, nil
}

func (r *ReLU) Visit(string, func(string, *Parameter)) {}
