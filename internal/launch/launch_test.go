package launch

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/aws/aws-cifar10-trainer/internal/data"
	"github.com/aws/aws-cifar10-trainer/internal/nn"
	"github.com/aws/aws-cifar10-trainer/internal/platform"
	"github.com/aws/aws-cifar10-trainer/internal/trainer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolver(addrs map[string]string) func(context.Context, string) (string, error) {
	return func(_ context.Context, host string) (string, error) {
		return addrs[host], nil
	}
}

func Test_ResumeCheckpoint(t *testing.T) {
	assert.Empty(t, ResumeCheckpoint(&platform.Environment{}))

	dir := t.TempDir()
	env := &platform.Environment{CheckpointDir: dir}
	assert.Empty(t, ResumeCheckpoint(env), "no checkpoint yet")

	require.NoError(t, os.WriteFile(filepath.Join(dir, platform.LastCheckpointName), []byte("x"), 0644))
	assert.Equal(t, filepath.Join(dir, "last.ckpt"), ResumeCheckpoint(env))
}

func Test_ExportBestModel(t *testing.T) {
	dir := t.TempDir()
	ckptPath := filepath.Join(dir, "epoch=1-step=10.ckpt")
	sd := nn.StateDict{"fc.bias": &nn.Tensor{Shape: []int{2}, Data: []float32{1, 2}}}
	require.NoError(t, trainer.SaveCheckpoint(ckptPath, &trainer.Checkpoint{Epoch: 1, GlobalStep: 10, StateDict: sd}))

	modelPath := filepath.Join(dir, "model", "model.pt")
	require.NoError(t, os.MkdirAll(filepath.Dir(modelPath), 0755))
	require.NoError(t, ExportBestModel(ckptPath, modelPath))

	got, err := trainer.LoadStateDict(modelPath)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got["fc.bias"].Data)
	assert.NoFileExists(t, ckptPath)

	assert.Error(t, ExportBestModel("", modelPath))
	assert.Error(t, ExportBestModel(ckptPath, modelPath), "checkpoint was removed")
}

// writeCIFAR10 writes perFile records of 1 label byte and 3x32x32 pixels to every batch file
func writeCIFAR10(t *testing.T, root string, perFile int) {
	t.Helper()
	dir := filepath.Join(root, data.CIFAR10BaseDir)
	require.NoError(t, os.MkdirAll(dir, 0755))
	names := []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin", "test_batch.bin"}
	for f, name := range names {
		var b []byte
		for i := 0; i < perFile; i++ {
			rec := make([]byte, 1+3*32*32)
			rec[0] = byte((f + i) % 10)
			for j := 1; j < len(rec); j++ {
				rec[j] = byte(i*7 + j)
			}
			b = append(b, rec...)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0644))
	}
}

func trainArgs(logDir string, epochs int) []string {
	return []string{
		"--trainer.max_epochs=" + strconv.Itoa(epochs),
		"--trainer.limit_train_batches=1",
		"--trainer.limit_val_batches=1",
		"--data.download=false",
		"--data.val_split=4",
		"--data.batch_size=2",
		"--logger.save_dir=" + logDir,
	}
}

func bestCheckpoints(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "epoch=*.ckpt"))
	require.NoError(t, err)
	return matches
}

func Test_Train(t *testing.T) {
	for _, key := range []string{"RANK", "LOCAL_RANK", "WORLD_SIZE", "LOCAL_WORLD_SIZE", "NODE_RANK", "MASTER_ADDR", "MASTER_PORT"} {
		t.Setenv(key, "")
	}
	channel, ckptDir, modelDir := t.TempDir(), t.TempDir(), t.TempDir()
	writeCIFAR10(t, channel, 4)
	env := &platform.Environment{
		ChannelTraining: channel,
		CheckpointDir:   ckptDir,
		ModelDir:        modelDir,
		Hosts:           []string{"localhost"},
		CurrentHost:     "localhost",
	}
	ctx := context.Background()

	require.NoError(t, Train(ctx, trainArgs(t.TempDir(), 1), env))
	assert.FileExists(t, filepath.Join(modelDir, "model.pt"))
	assert.Empty(t, bestCheckpoints(t, ckptDir), "best checkpoint is removed after export")
	last := filepath.Join(ckptDir, platform.LastCheckpointName)
	ckpt, err := trainer.LoadCheckpoint(last)
	require.NoError(t, err)
	assert.Equal(t, 0, ckpt.Epoch)
	assert.Equal(t, 1, ckpt.GlobalStep)

	// the step count only survives if the next run resumes from last.ckpt
	ckpt.GlobalStep = 100
	require.NoError(t, trainer.SaveCheckpoint(last, ckpt))

	env.ModelDir = ""
	require.NoError(t, Train(ctx, trainArgs(t.TempDir(), 2), env))
	ckpt, err = trainer.LoadCheckpoint(last)
	require.NoError(t, err)
	assert.Equal(t, 1, ckpt.Epoch)
	assert.Equal(t, 101, ckpt.GlobalStep)
	assert.Len(t, bestCheckpoints(t, ckptDir), 1, "nothing is exported without a model dir")
	entries, err := os.ReadDir(modelDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func Test_ElasticCommand(t *testing.T) {
	env := &platform.Environment{
		Hosts:                []string{"algo-1", "algo-2"},
		CurrentHost:          "algo-2",
		NumGPUs:              "0",
		TrainingJobName:      "job-1",
		NetworkInterfaceName: "eth0",
	}
	argv, vars, err := ElasticCommand(context.Background(), env, resolver(map[string]string{"algo-1": "10.0.0.1"}), "torchrun", "/app/train", []string{"--trainer.max_epochs", "2"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"torchrun",
		"--rdzv_backend=c10d",
		"--rdzv_id=job-1",
		"--rdzv_endpoint=10.0.0.1:29400",
		"--nnodes=2",
		"--nproc_per_node=1",
		"--no_python",
		"/app/train",
		"--trainer.max_epochs", "2",
	}, argv)
	assert.Equal(t, "eth0", vars[1].Value)

	env.CurrentHost = "algo-3"
	_, _, err = ElasticCommand(context.Background(), env, resolver(nil), "torchrun", "/app/train", nil)
	assert.Error(t, err)
}

func Test_Elastic_Exec(t *testing.T) {
	t.Setenv(EnvElasticLauncher, "sh")
	t.Setenv("NCCL_SOCKET_IFNAME", "")
	t.Setenv("NCCL_DEBUG", "")
	env := &platform.Environment{Hosts: []string{"localhost"}, CurrentHost: "localhost", NumGPUs: "1", NetworkInterfaceName: "lo"}
	var gotArgv, gotEnv []string
	err := Elastic(context.Background(), []string{"--data.batch_size=8"}, env, resolver(map[string]string{"localhost": "127.0.0.1"}), func(argv0 string, argv []string, envv []string) error {
		assert.True(t, filepath.IsAbs(argv0))
		gotArgv, gotEnv = argv, envv
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "sh", gotArgv[0])
	assert.Contains(t, gotArgv, "--nproc_per_node=gpu")
	assert.Equal(t, "--data.batch_size=8", gotArgv[len(gotArgv)-1])
	assert.Equal(t, TrainBinary, filepath.Base(gotArgv[len(gotArgv)-2]))
	assert.Contains(t, gotEnv, "NCCL_SOCKET_IFNAME=lo")
	assert.Contains(t, gotEnv, "NCCL_DEBUG=INFO")
}

func Test_MultiNode_UnknownHost(t *testing.T) {
	env := &platform.Environment{Hosts: []string{"algo-1"}, CurrentHost: "algo-9"}
	err := MultiNode(context.Background(), nil, env, resolver(nil))
	assert.ErrorContains(t, err, "algo-9")
}

func Test_MultiNode_SetsVars(t *testing.T) {
	for _, key := range []string{"NCCL_DEBUG", "NCCL_SOCKET_IFNAME", "MASTER_ADDR", "MASTER_PORT", "WORLD_SIZE", "NODE_RANK"} {
		t.Setenv(key, "")
	}
	env := &platform.Environment{Hosts: []string{"algo-1", "algo-2"}, CurrentHost: "algo-2", NetworkInterfaceName: "eth0"}
	// --print_config stops before the distributed group is joined
	err := MultiNode(context.Background(), []string{"--print_config"}, env, resolver(map[string]string{"algo-1": "10.0.0.1"}))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", os.Getenv("MASTER_ADDR"))
	assert.Equal(t, "29400", os.Getenv("MASTER_PORT"))
	assert.Equal(t, "2", os.Getenv("WORLD_SIZE"))
	assert.Equal(t, "1", os.Getenv("NODE_RANK"))
	assert.Equal(t, "eth0", os.Getenv("NCCL_SOCKET_IFNAME"))
}

func Test_ContainerSetup_Passthrough(t *testing.T) {
	args, err := ContainerSetup(context.Background(), []string{"--trainer.max_epochs=1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"--trainer.max_epochs=1"}, args)
}
