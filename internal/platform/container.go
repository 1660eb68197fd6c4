package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-cifar10-trainer/internal/util"
	"k8s.io/klog/v2"
)

// ContainerRoot is where the platform mounts the job's inputs and outputs
const ContainerRoot = "/opt/ml"

// TrainCommand is the first argument the platform passes to a bring-your-own container
const TrainCommand = "train"

// DefaultCheckpointDir is the local path the platform syncs with the checkpoint S3 URI
const DefaultCheckpointDir = "/opt/ml/checkpoints"

// ResourceConfig mirrors input/config/resourceconfig.json
type ResourceConfig struct {
	CurrentHost          string   `json:"current_host"`
	Hosts                []string `json:"hosts"`
	NetworkInterfaceName string   `json:"network_interface_name,omitempty"`
}

// Layout addresses the files of a container root
type Layout struct {
	Root string
}

func (l Layout) ConfigDir() string {
	return filepath.Join(l.Root, "input", "config")
}

func (l Layout) HyperparametersPath() string {
	return filepath.Join(l.ConfigDir(), "hyperparameters.json")
}

func (l Layout) ResourceConfigPath() string {
	return filepath.Join(l.ConfigDir(), "resourceconfig.json")
}

func (l Layout) ChannelDir(channel string) string {
	return filepath.Join(l.Root, "input", "data", channel)
}

func (l Layout) ModelDir() string {
	return filepath.Join(l.Root, "model")
}

func (l Layout) OutputDataDir() string {
	return filepath.Join(l.Root, "output", "data")
}

func (l Layout) CheckpointDir() string {
	return filepath.Join(l.Root, "checkpoints")
}

// ContainerArgs rewrites the arguments of a process started as "<binary> train".
// The hyperparameters file becomes --key value flags placed ahead of any remaining arguments.
// Other invocations are returned unchanged.
func ContainerArgs(layout Layout, args []string) ([]string, error) {
	if len(args) == 0 || args[0] != TrainCommand {
		return args, nil
	}
	hyperparams, err := ReadHyperparameters(layout.HyperparametersPath())
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(hyperparams))
	for key := range hyperparams {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var out []string
	for _, key := range keys {
		out = append(out, "--"+key, hyperparams[key])
	}
	klog.Infof("running in container mode with %d hyperparameters", len(keys))
	return append(out, args[1:]...), nil
}

// ReadHyperparameters reads hyperparameters.json. A missing file yields no hyperparameters.
// Values that are themselves JSON string literals are unquoted.
func ReadHyperparameters(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			if strings.HasPrefix(v, `"`) {
				if unquoted, err := strconv.Unquote(v); err == nil {
					v = unquoted
				}
			}
			out[key] = v
		default:
			enc, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			out[key] = string(enc)
		}
	}
	return out, nil
}

// ReadResourceConfig reads resourceconfig.json
func ReadResourceConfig(path string) (*ResourceConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rc ResourceConfig
	if err := json.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &rc, nil
}

// DeriveEnv fills platform variables that are unset from the files under the container root.
// Variables already present in the environment are left alone.
func DeriveEnv(ctx context.Context, layout Layout, lookup LookupFunc, setenv func(key, value string) error) error {
	derived := map[string]string{}
	if rc, err := ReadResourceConfig(layout.ResourceConfigPath()); err == nil {
		hosts, err := json.Marshal(rc.Hosts)
		if err != nil {
			return err
		}
		derived[EnvHosts] = string(hosts)
		derived[EnvCurrentHost] = rc.CurrentHost
		derived[EnvNetworkInterfaceName] = rc.NetworkInterfaceName
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for key, dir := range map[string]string{
		EnvChannelTraining: layout.ChannelDir("training"),
		EnvModelDir:        layout.ModelDir(),
		EnvOutputDataDir:   layout.OutputDataDir(),
		EnvCheckpointDir:   layout.CheckpointDir(),
	} {
		if _, err := os.Stat(dir); err == nil {
			derived[key] = dir
		}
	}
	derived[EnvNumGPUs] = strconv.Itoa(CountGPUs(ctx))

	var errs []error
	for key, value := range derived {
		if _, ok := lookup(key); ok || value == "" {
			continue
		}
		klog.V(2).Infof("derived %s=%s", key, value)
		if err := setenv(key, value); err != nil {
			errs = append(errs, fmt.Errorf("failed to set %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// CountGPUs asks nvidia-smi for the number of visible GPUs, returning 0 when it is unavailable
func CountGPUs(ctx context.Context) int {
	out, err := util.CommandOutput(ctx, "nvidia-smi", "--list-gpus")
	if err != nil {
		return 0
	}
	count := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "GPU ") {
			count++
		}
	}
	return count
}
