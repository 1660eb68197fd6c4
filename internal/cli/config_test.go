package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-cifar10-trainer/internal/distributed"
	"github.com/aws/aws-cifar10-trainer/internal/nn"
	"github.com/aws/aws-cifar10-trainer/internal/platform"
	"github.com/aws/aws-cifar10-trainer/internal/trainer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

func envOf(t *testing.T, vars map[string]string) *platform.Environment {
	t.Helper()
	env, err := platform.FromEnv(func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	})
	require.NoError(t, err)
	return env
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trainer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load("train", nil, envOf(t, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Logger.FlushSecs)
	assert.Equal(t, "lightning_logs", cfg.Logger.SaveDir)
	assert.Equal(t, DataClassCIFAR10, cfg.Data.ClassPath)
	assert.Equal(t, OptimizerAdam, cfg.Optimizer.ClassPath)
	assert.Equal(t, 1, cfg.Trainer.NumNodes)
	assert.Empty(t, cfg.Trainer.WeightsSavePath)
}

func Test_Load_OutputDefaults(t *testing.T) {
	env := envOf(t, map[string]string{platform.EnvOutputDataDir: "/opt/ml/output/data"})
	cfg, err := Load("train", nil, env, nil)
	require.NoError(t, err)
	assert.Equal(t, "/opt/ml/output/data/checkpoints", cfg.Trainer.WeightsSavePath)
	assert.Equal(t, "/opt/ml/output/data/tensorboard", cfg.Logger.SaveDir)

	// files and flags still win over the platform defaults
	path := writeConfig(t, "logger:\n  save_dir: from-file\n")
	cfg, err = Load("train", []string{"--config", path, "--trainer.weights_save_path=from-flag"}, env, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Logger.SaveDir)
	assert.Equal(t, "from-flag", cfg.Trainer.WeightsSavePath)
}

func Test_Load_ShippedConfig(t *testing.T) {
	t.Chdir(filepath.Join("..", ".."))
	require.FileExists(t, DefaultConfigFile)

	env := envOf(t, map[string]string{platform.EnvOutputDataDir: "/opt/ml/output/data"})
	cfg, err := Load("train", nil, env, nil)
	require.NoError(t, err)
	assert.Equal(t, "/opt/ml/output/data/tensorboard", cfg.Logger.SaveDir)
	assert.Equal(t, "/opt/ml/output/data/checkpoints", cfg.Trainer.WeightsSavePath)
	require.Len(t, cfg.Trainer.Callbacks, 2)
	assert.Equal(t, ".cache", cfg.Data.InitArgs.DataDir)

	// --config layers on top of the default file
	extra := writeConfig(t, "trainer:\n  max_epochs: 2\n")
	cfg, err = Load("train", []string{"--config", extra}, envOf(t, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Trainer.MaxEpochs)
	assert.Len(t, cfg.Trainer.Callbacks, 2)
	assert.Equal(t, 4, cfg.Data.InitArgs.NumWorkers)
	assert.Equal(t, ".cache", cfg.Data.InitArgs.DataDir)
}

func Test_Load_CallbacksReplaced(t *testing.T) {
	first := writeConfig(t, `
trainer:
  callbacks:
  - class_path: ModelCheckpoint
    init_args:
      monitor: val_loss
      filename: x
`)
	second := writeConfig(t, `
trainer:
  callbacks:
  - class_path: EarlyStopping
    init_args:
      monitor: val_loss
`)
	cfg, err := Load("train", []string{"--config", first, "--config", second}, envOf(t, nil), nil)
	require.NoError(t, err)
	require.Len(t, cfg.Trainer.Callbacks, 1)
	assert.Equal(t, "EarlyStopping", cfg.Trainer.Callbacks[0].ClassPath)
	assert.Equal(t, map[string]any{"monitor": "val_loss"}, cfg.Trainer.Callbacks[0].InitArgs)

	cfg.Logger.SaveDir = t.TempDir()
	run, err := Instantiate(context.Background(), cfg, distributed.SingleProcess, nil)
	require.NoError(t, err)
	_, ok := run.Trainer.Callbacks[0].(*trainer.EarlyStopping)
	assert.True(t, ok)
}

func Test_Load_Precedence(t *testing.T) {
	first := writeConfig(t, `
trainer:
  max_epochs: 3
  log_every_n_steps: 10
data:
  class_path: CIFAR10DataModule
  init_args:
    data_dir: from-file
    batch_size: 16
optimizer:
  class_path: SGD
  init_args:
    lr: 0.1
    momentum: 0.9
`)
	second := writeConfig(t, "trainer:\n  max_epochs: 4\n")
	args := []string{
		"--config", first,
		"--config=" + second,
		"--data.batch_size=64",
		"--data.data_dir", "from-flag",
		"--optimizer.lr", "0.05",
		"--seed_everything=7",
	}

	cfg, err := Load("train", args, envOf(t, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Trainer.MaxEpochs, "later files override earlier ones")
	assert.Equal(t, 10, cfg.Trainer.LogEveryNSteps, "keys absent from later files are kept")
	assert.Equal(t, 64, cfg.Data.InitArgs.BatchSize)
	assert.Equal(t, "from-flag", cfg.Data.InitArgs.DataDir)
	assert.Equal(t, OptimizerSGD, cfg.Optimizer.ClassPath)
	assert.Equal(t, 0.05, cfg.Optimizer.InitArgs.LR)
	assert.Equal(t, 0.9, cfg.Optimizer.InitArgs.Momentum)
	assert.Equal(t, int64(7), cfg.SeedEverything)
	assert.True(t, cfg.Data.InitArgs.Normalize, "defaults survive partial files")

	env := envOf(t, map[string]string{platform.EnvChannelTraining: "/opt/ml/input/data/training"})
	cfg, err = Load("train", args, env, nil)
	require.NoError(t, err)
	assert.Equal(t, "/opt/ml/input/data/training", cfg.Data.InitArgs.DataDir)
}

func Test_Load_CheckpointDir(t *testing.T) {
	path := writeConfig(t, `
trainer:
  callbacks:
  - class_path: pytorch_lightning.callbacks.EarlyStopping
    init_args:
      monitor: val_loss
  - class_path: pytorch_lightning.callbacks.ModelCheckpoint
    init_args:
      monitor: val_loss
      dirpath: from-file
`)
	env := envOf(t, map[string]string{
		platform.EnvCheckpointDir: "/opt/ml/checkpoints",
		platform.EnvHosts:         `["algo-1","algo-2"]`,
	})
	cfg, err := Load("train", []string{"--config", path}, env, nil)
	require.NoError(t, err)
	require.Len(t, cfg.Trainer.Callbacks, 2)
	assert.Equal(t, "/opt/ml/checkpoints", cfg.Trainer.Callbacks[1].InitArgs["dirpath"])
	assert.Equal(t, "val_loss", cfg.Trainer.Callbacks[1].InitArgs["monitor"])
	assert.NotContains(t, cfg.Trainer.Callbacks[0].InitArgs, "dirpath")
	assert.Equal(t, 2, cfg.Trainer.NumNodes)

	cfg, err = Load("train", nil, env, nil)
	require.NoError(t, err)
	require.Len(t, cfg.Trainer.Callbacks, 1)
	assert.Equal(t, "ModelCheckpoint", cfg.Trainer.Callbacks[0].ClassPath)
	assert.Equal(t, "/opt/ml/checkpoints", cfg.Trainer.Callbacks[0].InitArgs["dirpath"])
}

func Test_Load_Errors(t *testing.T) {
	_, err := Load("train", []string{"--config", writeConfig(t, "trainer:\n  max_epoch: 3\n")}, envOf(t, nil), nil)
	assert.Error(t, err, "unknown keys are rejected")

	_, err = Load("train", []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, envOf(t, nil), nil)
	assert.Error(t, err)

	_, err = Load("train", []string{"--trainer.max_epochs=five"}, envOf(t, nil), nil)
	assert.Error(t, err)

	_, err = Load("train", []string{"fit"}, envOf(t, nil), nil)
	assert.ErrorContains(t, err, "unexpected arguments")
}

func Test_Load_PrintConfig(t *testing.T) {
	var out bytes.Buffer
	_, err := Load("train", []string{"--print_config", "--trainer.max_epochs=2", "--trainer.metric_dimensions=job=a,team=b"}, envOf(t, nil), &out)
	require.ErrorIs(t, err, ErrConfigPrinted)

	printed := Defaults()
	require.NoError(t, yaml.UnmarshalStrict(out.Bytes(), printed))
	assert.Equal(t, 2, printed.Trainer.MaxEpochs)
	assert.Equal(t, map[string]string{"job": "a", "team": "b"}, printed.Trainer.MetricDimensions)
	assert.Contains(t, out.String(), "flush_secs: 60")
}

func Test_Instantiate(t *testing.T) {
	dir := t.TempDir()
	cfg := Defaults()
	cfg.Model.NumClasses = 3
	cfg.Logger.SaveDir = filepath.Join(dir, "tb")
	cfg.Logger.Name = "tutorial"
	cfg.Optimizer.ClassPath = "torch.optim.SGD"
	cfg.Trainer.Callbacks = []CallbackConfig{
		{ClassPath: "ModelCheckpoint", InitArgs: map[string]any{"monitor": "val_loss", "save_last": true}},
		{ClassPath: "EarlyStopping", InitArgs: map[string]any{"monitor": "val_loss", "patience": 2}},
	}

	run, err := Instantiate(context.Background(), cfg, distributed.SingleProcess, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, run.Model.NumClasses, "num_classes is bound to the data module")
	assert.IsType(t, &nn.SGD{}, run.Optimizer)
	require.Len(t, run.Trainer.Callbacks, 2)
	mc := run.Trainer.CheckpointCallback()
	require.NotNil(t, mc)
	assert.True(t, mc.Options.SaveLast)
	assert.Equal(t, 1, mc.Options.SaveTopK)
	es, ok := run.Trainer.Callbacks[1].(*trainer.EarlyStopping)
	require.True(t, ok)
	assert.Equal(t, 2, es.Options.Patience)

	saved := Defaults()
	require.NoError(t, LoadFile(saved, filepath.Join(run.Trainer.LogDir(), ConfigFileName)))
	assert.Equal(t, "torch.optim.SGD", saved.Optimizer.ClassPath)
	assert.Equal(t, filepath.Join(dir, "tb", "tutorial", "version_0"), run.Trainer.LogDir())
}

func Test_Instantiate_Errors(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"optimizer": func(c *Config) { c.Optimizer.ClassPath = "RMSprop" },
		"data":      func(c *Config) { c.Data.ClassPath = "MNISTDataModule" },
		"callback":  func(c *Config) { c.Trainer.Callbacks = []CallbackConfig{{ClassPath: "LearningRateMonitor"}} },
		"init_args": func(c *Config) {
			c.Trainer.Callbacks = []CallbackConfig{{ClassPath: "ModelCheckpoint", InitArgs: map[string]any{"every_n_epochs": 1}}}
		},
		"mode": func(c *Config) {
			c.Trainer.Callbacks = []CallbackConfig{{ClassPath: "EarlyStopping", InitArgs: map[string]any{"monitor": "val_acc", "mode": "up"}}}
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Logger.SaveDir = t.TempDir()
			mutate(cfg)
			_, err := Instantiate(context.Background(), cfg, distributed.SingleProcess, nil)
			assert.Error(t, err)
		})
	}
}
