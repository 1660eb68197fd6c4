// Package platform describes the environment contract of the managed training platform.
package platform

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables set by the platform inside a training container
const (
	EnvChannelTraining      = "SM_CHANNEL_TRAINING"
	EnvOutputDataDir        = "SM_OUTPUT_DATA_DIR"
	EnvCheckpointDir        = "SM_CHECKPOINT_DIR"
	EnvModelDir             = "SM_MODEL_DIR"
	EnvHosts                = "SM_HOSTS"
	EnvCurrentHost          = "SM_CURRENT_HOST"
	EnvNetworkInterfaceName = "SM_NETWORK_INTERFACE_NAME"
	EnvNumGPUs              = "SM_NUM_GPUS"
	EnvTrainingJobName      = "TRAINING_JOB_NAME"
)

// LastCheckpointName is the file name of the resumable checkpoint inside the checkpoint dir
const LastCheckpointName = "last.ckpt"

// DefaultHosts is the host list used when SM_HOSTS is unset
var DefaultHosts = []string{"localhost"}

// Environment is a validated snapshot of the platform variables
type Environment struct {
	ChannelTraining      string
	OutputDataDir        string
	CheckpointDir        string
	ModelDir             string
	Hosts                []string
	CurrentHost          string
	NetworkInterfaceName string
	NumGPUs              string
	TrainingJobName      string
}

// LookupFunc has the signature of os.LookupEnv
type LookupFunc func(key string) (string, bool)

// FromOS loads the environment of the current process
func FromOS() (*Environment, error) {
	return FromEnv(os.LookupEnv)
}

// FromEnv loads the environment through lookup, failing if SM_HOSTS is not a JSON string array
func FromEnv(lookup LookupFunc) (*Environment, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	env := &Environment{
		ChannelTraining:      get(EnvChannelTraining),
		OutputDataDir:        get(EnvOutputDataDir),
		CheckpointDir:        get(EnvCheckpointDir),
		ModelDir:             get(EnvModelDir),
		CurrentHost:          get(EnvCurrentHost),
		NetworkInterfaceName: get(EnvNetworkInterfaceName),
		NumGPUs:              get(EnvNumGPUs),
		TrainingJobName:      get(EnvTrainingJobName),
		Hosts:                DefaultHosts,
	}
	if raw, ok := lookup(EnvHosts); ok && raw != "" {
		hosts, err := ParseHosts(raw)
		if err != nil {
			return nil, err
		}
		env.Hosts = hosts
	}
	return env, nil
}

// ParseHosts decodes the JSON host list of SM_HOSTS
func ParseHosts(raw string) ([]string, error) {
	var hosts []string
	if err := json.Unmarshal([]byte(raw), &hosts); err != nil {
		return nil, fmt.Errorf("%s is not a JSON string array: %w", EnvHosts, err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%s is empty", EnvHosts)
	}
	return hosts, nil
}

// NumNodes is the number of hosts taking part in the job
func (e *Environment) NumNodes() int {
	return len(e.Hosts)
}

// LastCheckpointPath returns the resumable checkpoint path, or "" when no checkpoint dir is configured
func (e *Environment) LastCheckpointPath() string {
	if e.CheckpointDir == "" {
		return ""
	}
	return filepath.Join(e.CheckpointDir, LastCheckpointName)
}

// ModelPath returns the exported weights path, or "" when no model dir is configured
func (e *Environment) ModelPath() string {
	if e.ModelDir == "" {
		return ""
	}
	return filepath.Join(e.ModelDir, "model.pt")
}
