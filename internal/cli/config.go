// Package cli merges defaults, YAML config files, command-line flags and platform
// variables into the configuration of a training run.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-cifar10-trainer/internal/data"
	"github.com/aws/aws-cifar10-trainer/internal/platform"
	"github.com/aws/aws-cifar10-trainer/internal/tensorboard"
	"github.com/aws/aws-cifar10-trainer/internal/trainer"
	"github.com/spf13/pflag"
	"github.com/urfave/sflags"
	"github.com/urfave/sflags/gen/gpflag"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
)

// DefaultConfigFile is loaded ahead of any --config file when it exists
var DefaultConfigFile = filepath.Join("config", "trainer.yaml")

// ConfigFileName is the copy of the merged configuration written into the log directory
const ConfigFileName = "config.yaml"

const (
	DataClassCIFAR10 = "CIFAR10DataModule"
	OptimizerAdam    = "Adam"
	OptimizerSGD     = "SGD"
)

// ErrConfigPrinted is returned by Load after --print_config wrote the configuration
var ErrConfigPrinted = errors.New("configuration printed")

// Config is the complete configuration of a training run
type Config struct {
	SeedEverything int64               `json:"seed_everything"`
	Trainer        TrainerSection      `json:"trainer"`
	Model          ModelSection        `json:"model"`
	Data           DataSection         `json:"data"`
	Optimizer      OptimizerSection    `json:"optimizer"`
	Logger         tensorboard.Options `json:"logger"`
}

type TrainerSection struct {
	trainer.Options
	Callbacks        []CallbackConfig  `json:"callbacks,omitempty"`
	MetricDimensions map[string]string `json:"metric_dimensions,omitempty"`
}

// CallbackConfig selects a callback by class path. Any class path containing
// ModelCheckpoint or EarlyStopping is accepted.
type CallbackConfig struct {
	ClassPath string         `json:"class_path"`
	InitArgs  map[string]any `json:"init_args,omitempty"`
}

type ModelSection struct {
	// NumClasses is bound to the data module's class count at instantiation
	NumClasses int `flag:"num_classes" json:"num_classes" desc:"Number of output classes, taken from the data module"`
}

type DataSection struct {
	ClassPath string              `json:"class_path"`
	InitArgs  data.CIFAR10Options `json:"init_args"`
}

type OptimizerSection struct {
	ClassPath string        `json:"class_path"`
	InitArgs  OptimizerArgs `json:"init_args"`
}

type OptimizerArgs struct {
	LR          float64 `flag:"lr" json:"lr" desc:"Learning rate"`
	Momentum    float64 `flag:"momentum" json:"momentum" desc:"SGD momentum"`
	Nesterov    bool    `flag:"nesterov" json:"nesterov" desc:"Use Nesterov momentum with SGD"`
	Beta1       float64 `flag:"beta1" json:"beta1" desc:"Adam first moment decay"`
	Beta2       float64 `flag:"beta2" json:"beta2" desc:"Adam second moment decay"`
	Eps         float64 `flag:"eps" json:"eps" desc:"Adam denominator term"`
	WeightDecay float64 `flag:"weight_decay" json:"weight_decay" desc:"L2 penalty"`
}

// Defaults is the built-in configuration. The logger flushes every 60 seconds.
func Defaults() *Config {
	adam := adamDefaults()
	logger := tensorboard.DefaultOptions()
	logger.FlushSecs = 60
	return &Config{
		Trainer:   TrainerSection{Options: trainer.DefaultOptions()},
		Model:     ModelSection{NumClasses: data.CIFAR10Classes},
		Data:      DataSection{ClassPath: DataClassCIFAR10, InitArgs: data.DefaultCIFAR10Options()},
		Optimizer: OptimizerSection{ClassPath: OptimizerAdam, InitArgs: adam},
		Logger:    logger,
	}
}

func adamDefaults() OptimizerArgs {
	return OptimizerArgs{LR: 0.001, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// applyOutputDefaults points checkpoints and TensorBoard logs below SM_OUTPUT_DATA_DIR.
// Config files and flags still override these.
func applyOutputDefaults(cfg *Config, env *platform.Environment) {
	if env.OutputDataDir == "" {
		return
	}
	cfg.Trainer.WeightsSavePath = filepath.Join(env.OutputDataDir, "checkpoints")
	cfg.Logger.SaveDir = filepath.Join(env.OutputDataDir, "tensorboard")
}

// configFiles collects the values of every --config flag before the full flag set exists
func configFiles(args []string) []string {
	var files []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			files = append(files, v)
		} else if a == "--config" && i+1 < len(args) {
			files = append(files, args[i+1])
			i++
		}
	}
	return files
}

// LoadFile merges a YAML file into cfg. Keys that are absent keep their current value,
// unknown keys are an error. A trainer.callbacks list replaces the current one.
func LoadFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	// decoding into existing slice elements would keep init_args of the previous list
	if section, ok := raw["trainer"].(map[string]any); ok {
		if _, ok := section["callbacks"]; ok {
			cfg.Trainer.Callbacks = nil
		}
	}
	if err := yaml.UnmarshalStrict(b, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// FlagSet registers a flag for every configuration field, named <section>.<field>
func FlagSet(name string, cfg *Config) (*pflag.FlagSet, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	sections := []struct {
		prefix string
		target any
	}{
		{"trainer.", &cfg.Trainer.Options},
		{"model.", &cfg.Model},
		{"data.", &cfg.Data.InitArgs},
		{"optimizer.", &cfg.Optimizer.InitArgs},
		{"logger.", &cfg.Logger},
	}
	for _, s := range sections {
		if err := gpflag.ParseTo(s.target, fs, sflags.Prefix(s.prefix)); err != nil {
			return nil, fmt.Errorf("failed to parse flags: %w", err)
		}
	}
	fs.Int64Var(&cfg.SeedEverything, "seed_everything", cfg.SeedEverything, "Seed of model initialization")
	fs.StringVar(&cfg.Data.ClassPath, "data", cfg.Data.ClassPath, "Data module class")
	fs.StringVar(&cfg.Optimizer.ClassPath, "optimizer", cfg.Optimizer.ClassPath, "Optimizer class: Adam or SGD")
	// gpflag parses maps as key:val, dimensions are given as comma separated key=value pairs
	fs.StringToStringVar(&cfg.Trainer.MetricDimensions, "trainer.metric_dimensions", cfg.Trainer.MetricDimensions, "CloudWatch metric dimensions as comma-separated key=value pairs")
	fs.StringArray("config", nil, "YAML config file, may be repeated. Later files override earlier ones")
	fs.Bool("print_config", false, "Print the merged configuration and exit")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)
	return fs, nil
}

// Load builds the configuration from defaults, SM_OUTPUT_DATA_DIR defaults, the default
// config file, --config files in order, flags and finally the platform overrides. With --print_config the merged configuration
// is written to out and ErrConfigPrinted is returned.
func Load(name string, args []string, env *platform.Environment, out io.Writer) (*Config, error) {
	cfg := Defaults()
	applyOutputDefaults(cfg, env)

	files := configFiles(args)
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		files = append([]string{DefaultConfigFile}, files...)
	}
	for _, f := range files {
		klog.V(2).Infof("loading config file %s", f)
		if err := LoadFile(cfg, f); err != nil {
			return nil, err
		}
	}

	fs, err := FlagSet(name, cfg)
	if err != nil {
		return nil, err
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	ApplyEnvironment(cfg, env)

	if printConfig, _ := fs.GetBool("print_config"); printConfig {
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		if _, err := out.Write(b); err != nil {
			return nil, err
		}
		return nil, ErrConfigPrinted
	}
	return cfg, nil
}

// ApplyEnvironment applies the platform variables that take precedence over files and flags
func ApplyEnvironment(cfg *Config, env *platform.Environment) {
	if env.ChannelTraining != "" {
		cfg.Data.InitArgs.DataDir = env.ChannelTraining
	}
	if env.CheckpointDir != "" {
		klog.Infof("Update checkpoint callback to write to %s", env.CheckpointDir)
		cb := cfg.modelCheckpoint()
		if cb == nil {
			cfg.Trainer.Callbacks = append(cfg.Trainer.Callbacks, CallbackConfig{
				ClassPath: "ModelCheckpoint",
				InitArgs:  map[string]any{"save_last": true},
			})
			cb = &cfg.Trainer.Callbacks[len(cfg.Trainer.Callbacks)-1]
		}
		if cb.InitArgs == nil {
			cb.InitArgs = map[string]any{}
		}
		cb.InitArgs["dirpath"] = env.CheckpointDir
	}
	cfg.Trainer.NumNodes = env.NumNodes()
}

func (cfg *Config) modelCheckpoint() *CallbackConfig {
	for i := range cfg.Trainer.Callbacks {
		if strings.Contains(cfg.Trainer.Callbacks[i].ClassPath, "ModelCheckpoint") {
			return &cfg.Trainer.Callbacks[i]
		}
	}
	return nil
}

// Save writes cfg as YAML, replacing an existing file
func (cfg *Config) Save(path string) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("could not create %q: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, b, 0644)
}
