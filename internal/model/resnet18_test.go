package model

import (
	"testing"

	"github.com/aws/aws-cifar10-trainer/internal/data"
	"github.com/aws/aws-cifar10-trainer/internal/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logged struct {
	name  string
	value float32
	n     int
	opts  LogOptions
}

type recorder struct {
	entries []logged
}

func (r *recorder) Log(name string, value float32, batchSize int, opts LogOptions) {
	r.entries = append(r.entries, logged{name, value, batchSize, opts})
}

func (r *recorder) names() []string {
	var out []string
	for _, e := range r.entries {
		out = append(out, e.name)
	}
	return out
}

func tinyModel(t *testing.T) *ResNet18 {
	m, err := NewWithConfig(nn.ResNetConfig{
		NumClasses: 3,
		InChannels: 3,
		Widths:     []int{2},
		Blocks:     []int{1},
		StemKernel: 3,
		StemStride: 1,
	}, 1)
	require.NoError(t, err)
	return m
}

func batch(n int) *data.Batch {
	b := &data.Batch{N: n, C: 3, H: 4, W: 4, X: make([]float32, n*48), Labels: make([]int, n)}
	for i := range b.X {
		b.X[i] = float32(i%7) / 7
	}
	for i := range b.Labels {
		b.Labels[i] = i % 3
	}
	return b
}

func Test_Forward(t *testing.T) {
	m := tinyModel(t)
	logits, labels, err := m.Forward(batch(4), false)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, logits.Shape)
	assert.Equal(t, []int{0, 1, 2, 0}, labels)
}

func Test_Forward_ShapeMismatch(t *testing.T) {
	m := tinyModel(t)
	b := batch(2)
	b.C = 1
	b.X = b.X[:32]
	_, _, err := m.Forward(b, false)
	assert.Error(t, err)
}

func Test_Steps_Log(t *testing.T) {
	m := tinyModel(t)
	r := &recorder{}
	grad, err := m.TrainingStep(batch(4), r)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, grad.Shape)
	require.NoError(t, m.Backward(grad))

	require.NoError(t, m.ValidationStep(batch(2), r))
	require.NoError(t, m.TestStep(batch(2), r))
	assert.Equal(t, []string{"train_loss", "train_acc", "val_loss", "val_acc", "test_loss", "test_acc"}, r.names())

	byName := map[string]logged{}
	for _, e := range r.entries {
		byName[e.name] = e
	}
	assert.Equal(t, LogOptions{ProgBar: true}, byName["train_acc"].opts)
	assert.Equal(t, LogOptions{ProgBar: true, SyncDist: true}, byName["val_loss"].opts)
	assert.Equal(t, LogOptions{ProgBar: true}, byName["val_acc"].opts)
	assert.Equal(t, LogOptions{SyncDist: true}, byName["test_loss"].opts)
	assert.Equal(t, LogOptions{}, byName["test_acc"].opts)
	assert.Equal(t, 4, byName["train_loss"].n)
	assert.Greater(t, byName["val_loss"].value, float32(0))
}

func Test_ResNet18(t *testing.T) {
	m, err := NewResNet18(10, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"num_classes": 10}, m.HyperParameters())
	assert.Equal(t, 10, m.Net.FC.Out)
}
