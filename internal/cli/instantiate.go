package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-cifar10-trainer/internal/awssdk"
	"github.com/aws/aws-cifar10-trainer/internal/data"
	"github.com/aws/aws-cifar10-trainer/internal/distributed"
	"github.com/aws/aws-cifar10-trainer/internal/metrics"
	"github.com/aws/aws-cifar10-trainer/internal/model"
	"github.com/aws/aws-cifar10-trainer/internal/nn"
	"github.com/aws/aws-cifar10-trainer/internal/tensorboard"
	"github.com/aws/aws-cifar10-trainer/internal/trainer"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
)

// Run is what a Config instantiates to
type Run struct {
	Config     *Config
	DataModule *data.CIFAR10DataModule
	Model      *model.ResNet18
	Optimizer  nn.Optimizer
	Trainer    *trainer.Trainer
}

// Instantiate builds the data module first and binds its class count to the model.
// Loggers exist on global rank 0 only, which also saves the merged config next to the logs.
func Instantiate(ctx context.Context, cfg *Config, world distributed.World, group distributed.Group) (*Run, error) {
	dm, err := newDataModule(cfg.Data)
	if err != nil {
		return nil, err
	}
	cfg.Model.NumClasses = dm.NumClasses()
	m, err := model.NewResNet18(cfg.Model.NumClasses, uint64(cfg.SeedEverything))
	if err != nil {
		return nil, err
	}
	opt, err := newOptimizer(cfg.Optimizer, nn.TrainableParameters(m.Layer()))
	if err != nil {
		return nil, err
	}
	callbacks, err := newCallbacks(cfg.Trainer.Callbacks)
	if err != nil {
		return nil, err
	}

	var loggers []trainer.Logger
	if world.IsGlobalZero() {
		tb, err := tensorboard.New(cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create TensorBoard logger: %w", err)
		}
		loggers = append(loggers, tb)
		var registry metrics.MetricRegistry
		if cfg.Trainer.EmitMetrics {
			registry = metrics.NewCloudWatchRegistry(cloudwatch.NewFromConfig(awssdk.NewConfig()))
		} else {
			registry = metrics.NewNoopMetricRegistry()
		}
		loggers = append(loggers, &trainer.CloudWatchLogger{
			Registry:   registry,
			Namespace:  cfg.Trainer.MetricsNamespace,
			Dimensions: cfg.Trainer.MetricDimensions,
		})
		path := filepath.Join(tb.LogDir(), ConfigFileName)
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
		klog.Infof("saved configuration to %s", path)
	}

	t, err := trainer.New(cfg.Trainer.Options, world, group, loggers, callbacks)
	if err != nil {
		return nil, err
	}
	return &Run{Config: cfg, DataModule: dm, Model: m, Optimizer: opt, Trainer: t}, nil
}

func classMatches(classPath, name string) bool {
	return classPath == name || strings.HasSuffix(classPath, "."+name)
}

func newDataModule(s DataSection) (*data.CIFAR10DataModule, error) {
	if !classMatches(s.ClassPath, DataClassCIFAR10) {
		return nil, fmt.Errorf("unknown data module %q, available: %s", s.ClassPath, DataClassCIFAR10)
	}
	return data.NewCIFAR10DataModule(s.InitArgs), nil
}

func newOptimizer(s OptimizerSection, params []nn.NamedParameter) (nn.Optimizer, error) {
	a := s.InitArgs
	switch {
	case classMatches(s.ClassPath, OptimizerAdam):
		return nn.NewAdam(params, nn.AdamOptions{LR: a.LR, Beta1: a.Beta1, Beta2: a.Beta2, Eps: a.Eps, WeightDecay: a.WeightDecay}), nil
	case classMatches(s.ClassPath, OptimizerSGD):
		return nn.NewSGD(params, nn.SGDOptions{LR: a.LR, Momentum: a.Momentum, WeightDecay: a.WeightDecay, Nesterov: a.Nesterov}), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q, available: %s, %s", s.ClassPath, OptimizerAdam, OptimizerSGD)
	}
}

func newCallbacks(configs []CallbackConfig) ([]trainer.Callback, error) {
	var out []trainer.Callback
	for _, c := range configs {
		cb, err := newCallback(c)
		if err != nil {
			return nil, fmt.Errorf("callback %s: %w", c.ClassPath, err)
		}
		out = append(out, cb)
	}
	return out, nil
}

func newCallback(c CallbackConfig) (trainer.Callback, error) {
	args, err := yaml.Marshal(c.InitArgs)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.Contains(c.ClassPath, "ModelCheckpoint"):
		opts := trainer.ModelCheckpointOptions{SaveTopK: 1}
		if err := yaml.UnmarshalStrict(args, &opts); err != nil {
			return nil, err
		}
		return trainer.NewModelCheckpoint(opts)
	case strings.Contains(c.ClassPath, "EarlyStopping"):
		opts := trainer.EarlyStoppingOptions{Patience: 3}
		if err := yaml.UnmarshalStrict(args, &opts); err != nil {
			return nil, err
		}
		return trainer.NewEarlyStopping(opts)
	default:
		return nil, fmt.Errorf("unknown callback class")
	}
}
