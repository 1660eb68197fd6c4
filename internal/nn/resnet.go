package nn

import (
	"fmt"
	"math/rand/v2"
)

// BasicBlock is two 3x3 convolutions with a residual connection
type BasicBlock struct {
	Conv1      *Conv2d
	BN1        *BatchNorm2d
	Conv2      *Conv2d
	BN2        *BatchNorm2d
	Downsample Sequential

	relu1, relu2 ReLU
}

func NewBasicBlock(in, out, stride int, rng *rand.Rand) *BasicBlock {
	b := &BasicBlock{
		Conv1: NewConv2d(in, out, 3, stride, 1, false, rng),
		BN1:   NewBatchNorm2d(out),
		Conv2: NewConv2d(out, out, 3, 1, 1, false, rng),
		BN2:   NewBatchNorm2d(out),
	}
	if stride != 1 || in != out {
		b.Downsample = Sequential{NewConv2d(in, out, 1, stride, 0, false, rng), NewBatchNorm2d(out)}
	}
	return b
}

func (b *BasicBlock) main() Sequential {
	return Sequential{b.Conv1, b.BN1, &b.relu1, b.Conv2, b.BN2}
}

func (b *BasicBlock) Forward(x *Tensor, train bool) (*Tensor, error) {
	out, err := b.main().Forward(x, train)
	if err != nil {
		return nil, err
	}
	identity := x
	if b.Downsample != nil {
		if identity, err = b.Downsample.Forward(x, train); err != nil {
			return nil, fmt.Errorf("downsample: %w", err)
		}
	}
	if !out.SameShape(identity) {
		return nil, fmt.Errorf("residual shape %v does not match %v", identity.Shape, out.Shape)
	}
	for i, v := range identity.Data {
		out.Data[i] += v
	}
	return b.relu2.Forward(out, train)
}

func (b *BasicBlock) Backward(grad *Tensor) (*Tensor, error) {
	grad, err := b.relu2.Backward(grad)
	if err != nil {
		return nil, err
	}
	dx, err := b.main().Backward(grad)
	if err != nil {
		return nil, err
	}
	identity := grad
	if b.Downsample != nil {
		if identity, err = b.Downsample.Backward(grad); err != nil {
			return nil, fmt.Errorf("downsample: %w", err)
		}
	}
	for i, v := range identity.Data {
		dx.Data[i] += v
	}
	return dx, nil
}

func (b *BasicBlock) Visit(prefix string, fn func(name string, p *Parameter)) {
	b.Conv1.Visit(join(prefix, "conv1"), fn)
	b.BN1.Visit(join(prefix, "bn1"), fn)
	b.Conv2.Visit(join(prefix, "conv2"), fn)
	b.BN2.Visit(join(prefix, "bn2"), fn)
	if b.Downsample != nil {
		b.Downsample.Visit(join(prefix, "downsample"), fn)
	}
}

// ResNetConfig describes a ResNet built from BasicBlocks
type ResNetConfig struct {
	NumClasses int
	InChannels int
	// Widths and Blocks give the channel count and block count of each stage
	Widths     []int
	Blocks     []int
	StemKernel int
	StemStride int
	StemPool   bool
}

// ResNet18Config is the ImageNet layout: 7x7/2 stem, 3x3/2 max pool and four stages of two blocks
func ResNet18Config(numClasses int) ResNetConfig {
	return ResNetConfig{
		NumClasses: numClasses,
		InChannels: 3,
		Widths:     []int{64, 128, 256, 512},
		Blocks:     []int{2, 2, 2, 2},
		StemKernel: 7,
		StemStride: 2,
		StemPool:   true,
	}
}

type ResNet struct {
	Config  ResNetConfig
	Conv1   *Conv2d
	BN1     *BatchNorm2d
	MaxPool *MaxPool2d
	Stages  []Sequential
	FC      *Linear

	relu    ReLU
	avgPool GlobalAvgPool
}

func NewResNet(cfg ResNetConfig, rng *rand.Rand) (*ResNet, error) {
	if cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("num classes must be positive, got %d", cfg.NumClasses)
	}
	if len(cfg.Widths) == 0 || len(cfg.Widths) != len(cfg.Blocks) {
		return nil, fmt.Errorf("resnet needs one block count per stage width, got %v and %v", cfg.Widths, cfg.Blocks)
	}
	r := &ResNet{
		Config: cfg,
		Conv1:  NewConv2d(cfg.InChannels, cfg.Widths[0], cfg.StemKernel, cfg.StemStride, cfg.StemKernel/2, false, rng),
		BN1:    NewBatchNorm2d(cfg.Widths[0]),
	}
	if cfg.StemPool {
		r.MaxPool = NewMaxPool2d(3, 2, 1)
	}
	in := cfg.Widths[0]
	for i, width := range cfg.Widths {
		stride := 2
		if i == 0 {
			stride = 1
		}
		var stage Sequential
		for j := 0; j < cfg.Blocks[i]; j++ {
			stage = append(stage, NewBasicBlock(in, width, stride, rng))
			in, stride = width, 1
		}
		r.Stages = append(r.Stages, stage)
	}
	r.FC = NewLinear(in, cfg.NumClasses, rng)
	return r, nil
}

func (r *ResNet) layers() Sequential {
	layers := Sequential{r.Conv1, r.BN1, &r.relu}
	if r.MaxPool != nil {
		layers = append(layers, r.MaxPool)
	}
	for _, stage := range r.Stages {
		layers = append(layers, stage)
	}
	return append(layers, &r.avgPool, r.FC)
}

// Forward maps an [N, C, H, W] batch to [N, NumClasses] logits
func (r *ResNet) Forward(x *Tensor, train bool) (*Tensor, error) {
	return r.layers().Forward(x, train)
}

func (r *ResNet) Backward(grad *Tensor) (*Tensor, error) {
	return r.layers().Backward(grad)
}

func (r *ResNet) Visit(prefix string, fn func(name string, p *Parameter)) {
	r.Conv1.Visit(join(prefix, "conv1"), fn)
	r.BN1.Visit(join(prefix, "bn1"), fn)
	for i, stage := range r.Stages {
		stage.Visit(join(prefix, fmt.Sprintf("layer%d", i+1)), fn)
	}
	r.FC.Visit(join(prefix, "fc"), fn)
}
