package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/aws/aws-cifar10-trainer/internal/distributed"
	"github.com/aws/aws-cifar10-trainer/internal/platform"
	"github.com/aws/aws-cifar10-trainer/internal/util"
	"github.com/kballard/go-shellquote"
	"k8s.io/klog/v2"
)

const (
	// EnvElasticLauncher overrides the elastic launcher binary
	EnvElasticLauncher     = "ELASTIC_LAUNCHER"
	DefaultElasticLauncher = "torchrun"
	// TrainBinary is the worker started by the launcher, looked up next to the running executable
	TrainBinary = "train"
)

// ExecFunc replaces the current process, like syscall.Exec
type ExecFunc func(argv0 string, argv []string, envv []string) error

// ElasticCommand is the launcher command line for this host
func ElasticCommand(ctx context.Context, env *platform.Environment, resolve distributed.Resolver, launcher, program string, extra []string) ([]string, []distributed.Var, error) {
	if _, err := distributed.HostRank(env.Hosts, env.CurrentHost); err != nil {
		return nil, nil, err
	}
	addr, err := distributed.MasterAddr(ctx, env, resolve)
	if err != nil {
		return nil, nil, err
	}
	// the worker is not a Python script
	argv := append([]string{launcher}, distributed.ElasticArgs(env, addr, []string{"--no_python", program}, extra)...)
	return argv, distributed.NCCLVars(env), nil
}

// Elastic sets the communication variables and replaces this process with the elastic
// launcher, which starts the train binary on every host.
func Elastic(ctx context.Context, args []string, env *platform.Environment, resolve distributed.Resolver, execFn ExecFunc) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	program := filepath.Join(filepath.Dir(self), TrainBinary)
	launcher := util.FirstNonEmpty(os.Getenv(EnvElasticLauncher), DefaultElasticLauncher)
	argv, vars, err := ElasticCommand(ctx, env, resolve, launcher, program, args)
	if err != nil {
		return err
	}
	if err := distributed.Apply(vars, os.Setenv); err != nil {
		return err
	}
	path, err := exec.LookPath(launcher)
	if err != nil {
		return fmt.Errorf("elastic launcher not found: %w", err)
	}
	klog.Infof("exec %s", shellquote.Join(argv...))
	if execFn == nil {
		execFn = syscall.Exec
	}
	return execFn(path, argv, os.Environ())
}
