package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-cifar10-trainer/internal/distributed"
	"github.com/aws/aws-cifar10-trainer/internal/launch"
	"github.com/aws/aws-cifar10-trainer/internal/platform"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// Trains with one process per host. Every host runs this binary with the same arguments.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer klog.Flush()

	args, err := launch.ContainerSetup(ctx, os.Args[1:])
	if err != nil {
		klog.Fatalf("failed to set up container: %v", err)
	}
	env, err := platform.FromOS()
	if err != nil {
		klog.Fatalf("invalid platform environment: %v", err)
	}
	if err := launch.MultiNode(ctx, args, env, distributed.LookupIPv4); err != nil && !errors.Is(err, pflag.ErrHelp) {
		klog.Fatalf("multi-node training failed: %v", err)
	}
}
