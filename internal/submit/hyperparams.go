// Package submit builds training job requests and runs them on SageMaker or, for local
// instance types, in Docker containers laid out the way SageMaker lays them out.
package submit

import (
	"fmt"
	"sort"
	"strings"
)

// Hyperparameters are passed to the training container as --key value flags
type Hyperparameters map[string]string

// DefaultHyperparameters configures a short GPU training run of ResNet18 on CIFAR-10
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		"data":                "CIFAR10DataModule",
		"data.batch_size":     "32",
		"optimizer":           "Adam",
		"optimizer.lr":        "0.001",
		"trainer.accelerator": "gpu",
		"trainer.devices":     "-1",
		"trainer.max_epochs":  "5",
		"logger.name":         "tutorial",
	}
}

// ParseHyperparameters parses key=value tokens. The value is everything after the first "=".
func ParseHyperparameters(tokens []string) (Hyperparameters, error) {
	out := Hyperparameters{}
	for _, token := range tokens {
		key, value, ok := strings.Cut(token, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid hyperparameter %q, expected key=value", token)
		}
		out[key] = value
	}
	return out, nil
}

// Merge returns base updated with overrides
func Merge(base, overrides Hyperparameters) Hyperparameters {
	out := make(Hyperparameters, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Keys returns the hyperparameter names in order
func (h Hyperparameters) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
