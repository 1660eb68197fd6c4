package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-cifar10-trainer/internal"
	"github.com/aws/aws-cifar10-trainer/internal/launch"
	"github.com/aws/aws-cifar10-trainer/internal/platform"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

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
	klog.V(1).Infof("train %s", internal.Version)
	if err := launch.Train(ctx, args, env); err != nil && !errors.Is(err, pflag.ErrHelp) {
		klog.Fatalf("training failed: %v", err)
	}
}
