package launch

import (
	"context"
	"os"

	"github.com/aws/aws-cifar10-trainer/internal/distributed"
	"github.com/aws/aws-cifar10-trainer/internal/platform"
)

// MultiNode sets the rendezvous variables of this host and trains in-process,
// one process per host.
func MultiNode(ctx context.Context, args []string, env *platform.Environment, resolve distributed.Resolver) error {
	vars, err := distributed.NodeVars(ctx, env, resolve)
	if err != nil {
		return err
	}
	if err := distributed.Apply(vars, os.Setenv); err != nil {
		return err
	}
	return Train(ctx, args, env)
}
