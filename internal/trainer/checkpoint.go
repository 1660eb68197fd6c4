package trainer

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-cifar10-trainer/internal/nn"
)

// Checkpoint is everything needed to resume training
type Checkpoint struct {
	Epoch           int
	GlobalStep      int
	StateDict       nn.StateDict
	OptimizerState  nn.OptimizerState
	CallbackStates  map[string]CallbackState
	HyperParameters map[string]string
}

// CallbackState is the persisted state of a callback
type CallbackState struct {
	BestModelPath  string
	BestModelScore float64
	HasBestScore   bool
	Wait           int
	StoppedEpoch   int
}

// SaveCheckpoint writes ckpt to path through a temporary file so readers never see a partial file
func SaveCheckpoint(path string, ckpt *Checkpoint) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("could not create %q: %w", filepath.Dir(path), err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(f.Name())
		}
	}()
	if err := gob.NewEncoder(f).Encode(ckpt); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := errors.Join(f.Sync(), f.Close()); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ckpt Checkpoint
	if err := gob.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return &ckpt, nil
}

// SaveStateDict writes model weights alone
func SaveStateDict(path string, sd nn.StateDict) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(sd); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	return f.Close()
}

func LoadStateDict(path string) (nn.StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var sd nn.StateDict
	if err := gob.NewDecoder(f).Decode(&sd); err != nil {
		return nil, fmt.Errorf("failed to decode weights %s: %w", path, err)
	}
	return sd, nil
}
