package nn

import (
	"fmt"
	"math"
)

// Optimizer updates trainable parameters from their accumulated gradients
type Optimizer interface {
	Step()
	ZeroGrad()
	// State returns a copy of the per-parameter state for checkpointing
	State() OptimizerState
	LoadState(OptimizerState) error
	LR() float64
	SetLR(float64)
}

// OptimizerState is the serializable state of an optimizer
type OptimizerState struct {
	Steps   int
	Buffers map[string][]float32
}

func copyBuffers(src map[string][]float32) map[string][]float32 {
	out := make(map[string][]float32, len(src))
	for k, v := range src {
		out[k] = append([]float32(nil), v...)
	}
	return out
}

func loadBuffers(params []NamedParameter, suffixes []string, src, dst map[string][]float32) error {
	for _, p := range params {
		for _, suffix := range suffixes {
			key := p.Name + "." + suffix
			v, ok := src[key]
			if !ok {
				continue
			}
			if len(v) != len(p.Value.Data) {
				return fmt.Errorf("optimizer state %q has %d values, parameter has %d", key, len(v), len(p.Value.Data))
			}
			dst[key] = append([]float32(nil), v...)
		}
	}
	return nil
}

type SGDOptions struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
	Nesterov    bool
}

// SGD is stochastic gradient descent with optional momentum and L2 weight decay
type SGD struct {
	opts   SGDOptions
	params []NamedParameter
	steps  int
	state  map[string][]float32
}

func NewSGD(params []NamedParameter, opts SGDOptions) *SGD {
	return &SGD{opts: opts, params: params, state: map[string][]float32{}}
}

func (o *SGD) Step() {
	o.steps++
	for _, p := range o.params {
		key := p.Name + ".momentum_buffer"
		buf := o.state[key]
		if o.opts.Momentum != 0 && buf == nil {
			buf = make([]float32, len(p.Value.Data))
			o.state[key] = buf
		}
		lr, mom, wd := float32(o.opts.LR), float32(o.opts.Momentum), float32(o.opts.WeightDecay)
		for i, g := range p.Grad.Data {
			g += wd * p.Value.Data[i]
			if buf != nil {
				// the first step seeds the buffer with the gradient
				if o.steps == 1 {
					buf[i] = g
				} else {
					buf[i] = mom*buf[i] + g
				}
				if o.opts.Nesterov {
					g += mom * buf[i]
				} else {
					g = buf[i]
				}
			}
			p.Value.Data[i] -= lr * g
		}
	}
}

func (o *SGD) ZeroGrad() {
	for _, p := range o.params {
		p.Grad.Zero()
	}
}

func (o *SGD) State() OptimizerState {
	return OptimizerState{Steps: o.steps, Buffers: copyBuffers(o.state)}
}

func (o *SGD) LoadState(s OptimizerState) error {
	state := map[string][]float32{}
	if err := loadBuffers(o.params, []string{"momentum_buffer"}, s.Buffers, state); err != nil {
		return err
	}
	o.steps, o.state = s.Steps, state
	return nil
}

func (o *SGD) LR() float64 { return o.opts.LR }

func (o *SGD) SetLR(lr float64) { o.opts.LR = lr }

type AdamOptions struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

func DefaultAdamOptions() AdamOptions {
	return AdamOptions{LR: 0.001, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// Adam keeps bias-corrected first and second moment estimates of every parameter
type Adam struct {
	opts   AdamOptions
	params []NamedParameter
	steps  int
	state  map[string][]float32
}

func NewAdam(params []NamedParameter, opts AdamOptions) *Adam {
	return &Adam{opts: opts, params: params, state: map[string][]float32{}}
}

func (o *Adam) Step() {
	o.steps++
	bias1 := 1 - math.Pow(o.opts.Beta1, float64(o.steps))
	bias2 := 1 - math.Pow(o.opts.Beta2, float64(o.steps))
	stepSize := float32(o.opts.LR / bias1)
	b1, b2 := float32(o.opts.Beta1), float32(o.opts.Beta2)
	sqrtBias2, eps, wd := float32(math.Sqrt(bias2)), float32(o.opts.Eps), float32(o.opts.WeightDecay)
	for _, p := range o.params {
		m := o.buffer(p, "exp_avg")
		v := o.buffer(p, "exp_avg_sq")
		for i, g := range p.Grad.Data {
			g += wd * p.Value.Data[i]
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			denom := float32(math.Sqrt(float64(v[i])))/sqrtBias2 + eps
			p.Value.Data[i] -= stepSize * m[i] / denom
		}
	}
}

func (o *Adam) buffer(p NamedParameter, suffix string) []float32 {
	key := p.Name + "." + suffix
	buf, ok := o.state[key]
	if !ok {
		buf = make([]float32, len(p.Value.Data))
		o.state[key] = buf
	}
	return buf
}

func (o *Adam) ZeroGrad() {
	for _, p := range o.params {
		p.Grad.Zero()
	}
}

func (o *Adam) State() OptimizerState {
	return OptimizerState{Steps: o.steps, Buffers: copyBuffers(o.state)}
}

func (o *Adam) LoadState(s OptimizerState) error {
	state := map[string][]float32{}
	if err := loadBuffers(o.params, []string{"exp_avg", "exp_avg_sq"}, s.Buffers, state); err != nil {
		return err
	}
	o.steps, o.state = s.Steps, state
	return nil
}

func (o *Adam) LR() float64 { return o.opts.LR }

func (o *Adam) SetLR(lr float64) { o.opts.LR = lr }
