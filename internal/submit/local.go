package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aws/aws-cifar10-trainer/internal/platform"
	"github.com/aws/aws-cifar10-trainer/internal/util"
	"github.com/kballard/go-shellquote"
	"github.com/mholt/archiver/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// CommandRunner runs an external command to completion
type CommandRunner func(ctx context.Context, name string, args ...string) error

// LocalSession emulates the platform with one Docker container per instance. Every
// container gets its own /opt/ml tree and all of them share a network so hosts resolve
// each other by name.
type LocalSession struct {
	Docker string
	// Root holds the per-job container trees, the system temp dir when empty
	Root string
	Run  CommandRunner
}

func NewLocalSession() *LocalSession {
	return &LocalSession{
		Docker: "docker",
		Run: func(ctx context.Context, name string, args ...string) error {
			return util.ExecuteCommandContext(ctx, nil, name, args...)
		},
	}
}

// hostNames are the container host names, algo-1 to algo-n
func hostNames(n int) []string {
	hosts := make([]string, n)
	for i := range hosts {
		hosts[i] = "algo-" + strconv.Itoa(i+1)
	}
	return hosts
}

func localPath(uri, what string) (string, error) {
	scheme, location, err := parseURI(uri)
	if err != nil {
		return "", err
	}
	if scheme != "file" {
		return "", fmt.Errorf("local mode needs a file:// %s, got %q", what, uri)
	}
	return filepath.Abs(location)
}

func (s *LocalSession) Fit(ctx context.Context, e *Estimator) error {
	input, err := localPath(e.Inputs[TrainingChannel], "input path")
	if err != nil {
		return err
	}
	if _, err := os.Stat(input); err != nil {
		return fmt.Errorf("training channel: %w", err)
	}
	output, err := localPath(e.OutputPath, "output path")
	if err != nil {
		return err
	}
	var checkpoints string
	if e.CheckpointURI != "" {
		if checkpoints, err = localPath(e.CheckpointURI, "checkpoint path"); err != nil {
			return err
		}
		if err := os.MkdirAll(checkpoints, 0755); err != nil {
			return err
		}
	}
	hp, err := e.EncodedHyperparameters()
	if err != nil {
		return err
	}
	jobDir, err := os.MkdirTemp(s.Root, e.JobName+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(jobDir)

	network := e.JobName
	if err := s.Run(ctx, s.Docker, "network", "create", network); err != nil {
		return fmt.Errorf("failed to create network %s: %w", network, err)
	}
	defer func() {
		if err := s.Run(context.Background(), s.Docker, "network", "rm", network); err != nil {
			klog.Warningf("failed to remove network %s: %v", network, err)
		}
	}()

	hosts := hostNames(e.InstanceCount)
	g, gctx := errgroup.WithContext(ctx)
	for _, host := range hosts {
		layout := platform.Layout{Root: filepath.Join(jobDir, host)}
		if err := prepareHost(layout, host, hosts, hp); err != nil {
			return fmt.Errorf("failed to prepare %s: %w", host, err)
		}
		ckpt := checkpoints
		if ckpt == "" {
			ckpt = layout.CheckpointDir()
		}
		args := s.runArgs(e, host, network, layout, input, ckpt)
		klog.Infof("%s %s", s.Docker, shellquote.Join(args...))
		g.Go(func() error {
			return s.Run(gctx, s.Docker, args...)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("training job %s failed: %w", e.JobName, err)
	}

	first := platform.Layout{Root: filepath.Join(jobDir, hosts[0])}
	dest := filepath.Join(output, e.JobName)
	if err := packageDir(first.ModelDir(), filepath.Join(dest, "model.tar.gz")); err != nil {
		return fmt.Errorf("failed to package model: %w", err)
	}
	if err := packageDir(first.OutputDataDir(), filepath.Join(dest, "output.tar.gz")); err != nil {
		return fmt.Errorf("failed to package output data: %w", err)
	}
	klog.Infof("training job %s completed, artifacts in %s", e.JobName, dest)
	return nil
}

func prepareHost(layout platform.Layout, host string, hosts []string, hp map[string]string) error {
	for _, dir := range []string{layout.ConfigDir(), layout.ChannelDir(TrainingChannel), layout.ModelDir(), layout.OutputDataDir(), layout.CheckpointDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := writeJSON(layout.HyperparametersPath(), hp); err != nil {
		return err
	}
	return writeJSON(layout.ResourceConfigPath(), platform.ResourceConfig{
		CurrentHost:          host,
		Hosts:                hosts,
		NetworkInterfaceName: "eth0",
	})
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

func (s *LocalSession) runArgs(e *Estimator, host, network string, layout platform.Layout, input, checkpoints string) []string {
	ml := platform.Layout{Root: platform.ContainerRoot}
	args := []string{
		"run", "--rm",
		"--name", e.JobName + "-" + host,
		"--hostname", host,
		"--network", network,
		"--network-alias", host,
		"-e", platform.EnvTrainingJobName + "=" + e.JobName,
	}
	if e.InstanceType == "local_gpu" {
		args = append(args, "--gpus", "all")
	}
	for _, m := range [][2]string{
		{layout.ConfigDir(), ml.ConfigDir()},
		{input, ml.ChannelDir(TrainingChannel)},
		{layout.ModelDir(), ml.ModelDir()},
		{filepath.Dir(layout.OutputDataDir()), filepath.Dir(ml.OutputDataDir())},
		{checkpoints, ml.CheckpointDir()},
	} {
		args = append(args, "-v", m[0]+":"+m[1])
	}
	return append(args, e.ImageURI, platform.TrainCommand)
}

// packageDir archives the entries of dir into dest, skipping empty directories
func packageDir(dir, dest string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		klog.Warningf("%s is empty, not creating %s", dir, dest)
		return nil
	}
	sources := make([]string, 0, len(entries))
	for _, entry := range entries {
		sources = append(sources, filepath.Join(dir, entry.Name()))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return err
	}
	return archiver.Archive(sources, dest)
}
