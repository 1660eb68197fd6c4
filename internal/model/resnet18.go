// Package model wraps the ResNet18 backbone with its training, validation and test steps.
package model

import (
	"fmt"
	"math/rand/v2"

	"github.com/aws/aws-cifar10-trainer/internal/data"
	"github.com/aws/aws-cifar10-trainer/internal/nn"
)

// LogOptions controls how a logged scalar is reduced and displayed
type LogOptions struct {
	// ProgBar shows the value in the progress log line
	ProgBar bool
	// SyncDist averages the value across replicas before it is recorded
	SyncDist bool
}

// MetricLogger records scalars produced by a step. batchSize weights epoch averages.
type MetricLogger interface {
	Log(name string, value float32, batchSize int, opts LogOptions)
}

// ResNet18 is an image classifier trained with cross entropy
type ResNet18 struct {
	NumClasses int
	Net        *nn.ResNet
}

// NewResNet18 builds a ResNet18 with a NumClasses head, initialized from seed
func NewResNet18(numClasses int, seed uint64) (*ResNet18, error) {
	return NewWithConfig(nn.ResNet18Config(numClasses), seed)
}

func NewWithConfig(cfg nn.ResNetConfig, seed uint64) (*ResNet18, error) {
	net, err := nn.NewResNet(cfg, rand.New(rand.NewPCG(seed, 0)))
	if err != nil {
		return nil, err
	}
	return &ResNet18{NumClasses: cfg.NumClasses, Net: net}, nil
}

// Forward returns the logits of a batch together with its labels
func (m *ResNet18) Forward(batch *data.Batch, train bool) (*nn.Tensor, []int, error) {
	x, err := nn.FromData(batch.X, batch.N, batch.C, batch.H, batch.W)
	if err != nil {
		return nil, nil, err
	}
	logits, err := m.Net.Forward(x, train)
	if err != nil {
		return nil, nil, err
	}
	return logits, batch.Labels, nil
}

// StepResult holds the outputs of one step
type StepResult struct {
	Loss float32
	Acc  float32
	// Grad is the loss gradient with respect to the logits
	Grad *nn.Tensor
}

// Step computes cross entropy and top-1 accuracy
func (m *ResNet18) Step(batch *data.Batch, train bool) (*StepResult, error) {
	logits, labels, err := m.Forward(batch, train)
	if err != nil {
		return nil, err
	}
	loss, grad, err := nn.CrossEntropy(logits, labels)
	if err != nil {
		return nil, err
	}
	acc, err := nn.Accuracy(logits, labels)
	if err != nil {
		return nil, err
	}
	return &StepResult{Loss: loss, Acc: acc, Grad: grad}, nil
}

// TrainingStep returns the loss gradient for Backward
func (m *ResNet18) TrainingStep(batch *data.Batch, log MetricLogger) (*nn.Tensor, error) {
	res, err := m.Step(batch, true)
	if err != nil {
		return nil, err
	}
	log.Log("train_loss", res.Loss, batch.N, LogOptions{})
	log.Log("train_acc", res.Acc, batch.N, LogOptions{ProgBar: true})
	return res.Grad, nil
}

func (m *ResNet18) ValidationStep(batch *data.Batch, log MetricLogger) error {
	res, err := m.Step(batch, false)
	if err != nil {
		return err
	}
	log.Log("val_loss", res.Loss, batch.N, LogOptions{ProgBar: true, SyncDist: true})
	log.Log("val_acc", res.Acc, batch.N, LogOptions{ProgBar: true})
	return nil
}

func (m *ResNet18) TestStep(batch *data.Batch, log MetricLogger) error {
	res, err := m.Step(batch, false)
	if err != nil {
		return err
	}
	log.Log("test_loss", res.Loss, batch.N, LogOptions{SyncDist: true})
	log.Log("test_acc", res.Acc, batch.N, LogOptions{})
	return nil
}

// Backward propagates the logits gradient of the last training forward into the parameters
func (m *ResNet18) Backward(grad *nn.Tensor) error {
	if _, err := m.Net.Backward(grad); err != nil {
		return fmt.Errorf("backward: %w", err)
	}
	return nil
}

func (m *ResNet18) Layer() nn.Layer {
	return m.Net
}

func (m *ResNet18) HyperParameters() map[string]any {
	return map[string]any{"num_classes": m.NumClasses}
}
