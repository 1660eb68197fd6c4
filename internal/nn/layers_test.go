package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTensor(rng *rand.Rand, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

// checkGradients compares Backward against central differences of sum(Forward(x) * r)
func checkGradients(t *testing.T, layer Layer, x *Tensor) {
	t.Helper()
	rng := rand.New(rand.NewPCG(7, 7))
	out, err := layer.Forward(x, true)
	require.NoError(t, err)
	r := randomTensor(rng, out.Shape...)

	ZeroGrad(layer)
	_, err = layer.Forward(x, true)
	require.NoError(t, err)
	dx, err := layer.Backward(r)
	require.NoError(t, err)
	require.Equal(t, x.Shape, dx.Shape)

	objective := func() float64 {
		out, err := layer.Forward(x, true)
		require.NoError(t, err)
		var sum float64
		for i, v := range out.Data {
			sum += float64(v) * float64(r.Data[i])
		}
		return sum
	}
	numeric := func(values []float32, i int) float64 {
		const eps = 1e-2
		orig := values[i]
		values[i] = orig + eps
		plus := objective()
		values[i] = orig - eps
		minus := objective()
		values[i] = orig
		return (plus - minus) / (2 * eps)
	}
	closeEnough := func(name string, analytic float32, num float64) {
		tol := 2e-2 * math.Max(1, math.Abs(num))
		assert.InDelta(t, num, float64(analytic), tol, name)
	}

	for _, i := range sampleIndexes(rng, len(x.Data)) {
		closeEnough("input", dx.Data[i], numeric(x.Data, i))
	}
	for _, p := range TrainableParameters(layer) {
		grad := p.Grad.Clone()
		for _, i := range sampleIndexes(rng, len(p.Value.Data)) {
			closeEnough(p.Name, grad.Data[i], numeric(p.Value.Data, i))
		}
	}
}

func sampleIndexes(rng *rand.Rand, n int) []int {
	if n <= 12 {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := make([]int, 12)
	for i := range out {
		out[i] = rng.IntN(n)
	}
	return out
}

func Test_Conv2d_Gradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	conv := NewConv2d(2, 3, 3, 2, 1, true, rng)
	checkGradients(t, conv, randomTensor(rng, 2, 2, 5, 5))
}

func Test_Conv2d_Shape(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	conv := NewConv2d(3, 8, 7, 2, 3, false, rng)
	out, err := conv.Forward(randomTensor(rng, 2, 3, 32, 32), false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 16, 16}, out.Shape)

	_, err = conv.Forward(randomTensor(rng, 2, 4, 32, 32), false)
	assert.Error(t, err)
	_, err = conv.Backward(out)
	assert.Error(t, err)
}

func Test_Conv2d_Identity(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	conv := NewConv2d(1, 1, 3, 1, 1, false, rng)
	clear(conv.Weight.Value.Data)
	conv.Weight.Value.Data[4] = 1
	x := randomTensor(rng, 1, 1, 4, 4)
	out, err := conv.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, x.Data, out.Data)
}

func Test_BatchNorm2d_Gradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	bn := NewBatchNorm2d(3)
	for i := range bn.Weight.Value.Data {
		bn.Weight.Value.Data[i] = float32(1 + rng.Float64())
		bn.Bias.Value.Data[i] = float32(rng.Float64())
	}
	checkGradients(t, bn, randomTensor(rng, 3, 3, 2, 2))
}

func Test_BatchNorm2d_RunningStats(t *testing.T) {
	bn := NewBatchNorm2d(1)
	x, err := FromData([]float32{1, 3, 5, 7}, 2, 1, 1, 2)
	require.NoError(t, err)
	out, err := bn.Forward(x, true)
	require.NoError(t, err)
	var mean float32
	for _, v := range out.Data {
		mean += v
	}
	assert.InDelta(t, 0, mean, 1e-5)
	// mean 4, unbiased variance 20/3
	assert.InDelta(t, 0.4, bn.RunningMean.Value.Data[0], 1e-6)
	assert.InDelta(t, 0.9+0.1*20.0/3, bn.RunningVar.Value.Data[0], 1e-5)

	single, err := FromData([]float32{1}, 1, 1, 1, 1)
	require.NoError(t, err)
	_, err = bn.Forward(single, true)
	assert.Error(t, err)
	_, err = bn.Forward(single, false)
	assert.NoError(t, err)
}

func Test_Linear_Gradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	checkGradients(t, NewLinear(5, 4, rng), randomTensor(rng, 3, 5))
}

func Test_Downsample_Gradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	block := NewBasicBlock(2, 3, 2, rng)
	require.NotNil(t, block.Downsample)
	checkGradients(t, block.Downsample, randomTensor(rng, 4, 2, 4, 4))
	assert.Nil(t, NewBasicBlock(3, 3, 1, rng).Downsample)
}

func Test_MaxPool2d(t *testing.T) {
	x, err := FromData([]float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}, 1, 1, 4, 4)
	require.NoError(t, err)
	pool := NewMaxPool2d(3, 2, 1)
	out, err := pool.Forward(x, true)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, out.Shape)
	assert.Equal(t, []float32{6, 8, 14, 16}, out.Data)

	grad, err := FromData([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	require.NoError(t, err)
	dx, err := pool.Backward(grad)
	require.NoError(t, err)
	assert.Equal(t, float32(1), dx.Data[5])
	assert.Equal(t, float32(4), dx.Data[15])
	assert.Equal(t, float32(0), dx.Data[0])
}

func Test_GlobalAvgPool(t *testing.T) {
	x, err := FromData([]float32{1, 2, 3, 4, 10, 20, 30, 40}, 1, 2, 2, 2)
	require.NoError(t, err)
	pool := &GlobalAvgPool{}
	out, err := pool.Forward(x, true)
	require.NoError(t, err)
	assert.Equal(t, []float32{2.5, 25}, out.Data)
	dx, err := pool.Backward(&Tensor{Shape: []int{1, 2}, Data: []float32{4, 8}})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1, 1, 2, 2, 2, 2}, dx.Data)
}

func Test_ReLU(t *testing.T) {
	relu := &ReLU{}
	x, err := FromData([]float32{-1, 0, 2}, 3)
	require.NoError(t, err)
	out, err := relu.Forward(x, true)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 2}, out.Data)
	dx, err := relu.Backward(&Tensor{Shape: []int{3}, Data: []float32{5, 5, 5}})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 5}, dx.Data)
}

func Test_Matmul(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6} // 2x3
	b := []float32{1, 0, 0, 1, 1, 1} // 3x2
	c := make([]float32, 4)
	matmul(a, b, c, 2, 3, 2)
	assert.Equal(t, []float32{4, 5, 10, 11}, c)

	// b^T stored as 2x3
	bt := []float32{1, 0, 1, 0, 1, 1}
	c = make([]float32, 4)
	matmulABT(a, bt, c, 2, 3, 2)
	assert.Equal(t, []float32{4, 5, 10, 11}, c)

	// a^T stored as 3x2
	at := []float32{1, 4, 2, 5, 3, 6}
	c = make([]float32, 4)
	matmulATB(at, b, c, 2, 3, 2)
	assert.Equal(t, []float32{4, 5, 10, 11}, c)
}
