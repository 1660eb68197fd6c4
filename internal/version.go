package internal

// Version is overwritten at build time with -ldflags "-X github.com/aws/aws-cifar10-trainer/internal.Version=..."
var Version = "dev"
