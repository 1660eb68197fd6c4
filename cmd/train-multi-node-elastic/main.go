package main

import (
	"context"
	"os"

	"github.com/aws/aws-cifar10-trainer/internal/distributed"
	"github.com/aws/aws-cifar10-trainer/internal/launch"
	"github.com/aws/aws-cifar10-trainer/internal/platform"
	"k8s.io/klog/v2"
)

// Replaces itself with the elastic launcher, which starts the train binary
// installed next to this one on every host.
func main() {
	ctx := context.Background()
	args, err := launch.ContainerSetup(ctx, os.Args[1:])
	if err != nil {
		klog.Fatalf("failed to set up container: %v", err)
	}
	env, err := platform.FromOS()
	if err != nil {
		klog.Fatalf("invalid platform environment: %v", err)
	}
	if err := launch.Elastic(ctx, args, env, distributed.LookupIPv4, nil); err != nil {
		klog.Fatalf("failed to start elastic launcher: %v", err)
	}
}
