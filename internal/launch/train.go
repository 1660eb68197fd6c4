// Package launch implements the training entry points: the single-node trainer and the
// two multi-node launchers that prepare the distributed environment for it.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-cifar10-trainer/internal/cli"
	"github.com/aws/aws-cifar10-trainer/internal/distributed"
	"github.com/aws/aws-cifar10-trainer/internal/platform"
	"github.com/aws/aws-cifar10-trainer/internal/trainer"
	"k8s.io/klog/v2"
)

// ContainerSetup handles the "<binary> train" invocation of a training container: the
// hyperparameters become flags and unset platform variables are derived from /opt/ml.
func ContainerSetup(ctx context.Context, args []string) ([]string, error) {
	if len(args) == 0 || args[0] != platform.TrainCommand {
		return args, nil
	}
	layout := platform.Layout{Root: platform.ContainerRoot}
	if err := platform.DeriveEnv(ctx, layout, os.LookupEnv, os.Setenv); err != nil {
		return nil, fmt.Errorf("failed to derive platform environment: %w", err)
	}
	return platform.ContainerArgs(layout, args)
}

// Train configures and fits the model, then exports the best weights on global rank 0
func Train(ctx context.Context, args []string, env *platform.Environment) error {
	cfg, err := cli.Load("train", args, env, os.Stdout)
	if errors.Is(err, cli.ErrConfigPrinted) {
		return nil
	}
	if err != nil {
		return err
	}
	world, err := distributed.WorldFromEnv(os.LookupEnv)
	if err != nil {
		return err
	}
	group, err := distributed.NewGroup(ctx, world)
	if err != nil {
		return fmt.Errorf("failed to join the distributed group: %w", err)
	}
	defer group.Close()

	run, err := cli.Instantiate(ctx, cfg, world, group)
	if err != nil {
		return err
	}
	defer func() {
		if err := run.Trainer.Close(); err != nil {
			klog.Warningf("failed to close loggers: %v", err)
		}
	}()

	ckptPath := ResumeCheckpoint(env)
	if ckptPath != "" {
		klog.Infof("Resume training from checkpoint %s", ckptPath)
	} else {
		klog.Info("Start training from scratch")
	}
	if err := run.Trainer.Fit(ctx, run.Model, run.Optimizer, run.DataModule, ckptPath); err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	if cfg.Trainer.TestAfterFit {
		if _, err := run.Trainer.Test(ctx, run.Model, run.DataModule); err != nil {
			return fmt.Errorf("test failed: %w", err)
		}
	}

	if run.Trainer.IsGlobalZero() && env.ModelDir != "" {
		var best string
		if mc := run.Trainer.CheckpointCallback(); mc != nil {
			best = mc.BestModelPath
		}
		if err := ExportBestModel(best, env.ModelPath()); err != nil {
			return err
		}
	}
	return nil
}

// ResumeCheckpoint is last.ckpt in the checkpoint directory if it exists, otherwise empty
func ResumeCheckpoint(env *platform.Environment) string {
	path := env.LastCheckpointPath()
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// ExportBestModel writes the model weights of the checkpoint at checkpointPath to modelPath
// and removes the checkpoint.
func ExportBestModel(checkpointPath, modelPath string) error {
	if checkpointPath == "" {
		return fmt.Errorf("no best checkpoint to export")
	}
	ckpt, err := trainer.LoadCheckpoint(checkpointPath)
	if err != nil {
		return fmt.Errorf("failed to load best checkpoint: %w", err)
	}
	if err := trainer.SaveStateDict(modelPath, ckpt.StateDict); err != nil {
		return fmt.Errorf("failed to write %s: %w", modelPath, err)
	}
	klog.Infof("exported best model from %s to %s", checkpointPath, modelPath)
	return os.Remove(checkpointPath)
}
