package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-cifar10-trainer/internal/submit"
	"github.com/spf13/pflag"
	"github.com/urfave/sflags/gen/gpflag"
	"k8s.io/klog/v2"
)

func main() {
	opts := submit.DefaultOptions()
	flags, err := gpflag.Parse(&opts)
	if err != nil {
		klog.Fatalf("failed to parse flags: %v", err)
	}
	flags.StringArrayVar(&opts.Hyperparams, "hyperparams", nil, "Hyperparameter override as key=value, may be repeated. Trailing arguments are taken as overrides too")
	klog.InitFlags(nil)
	flags.AddGoFlagSet(flag.CommandLine)
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		klog.Fatalf("failed to parse flags: %v", err)
	}
	opts.Hyperparams = append(opts.Hyperparams, flags.Args()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer klog.Flush()
	if err := submit.Run(ctx, opts, nil); err != nil {
		klog.Fatalf("training job failed: %v", err)
	}
}
