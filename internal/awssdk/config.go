package awssdk

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"k8s.io/klog/v2"
)

// NewConfig returns an AWS SDK config
// It will panic if the config cannot be created
func NewConfig() aws.Config {
	return NewConfigForRegion("")
}

// NewConfigForRegion returns an AWS SDK config pinned to region, or the default region chain if region is empty
func NewConfigForRegion(region string) aws.Config {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	c, err := config.LoadDefaultConfig(context.TODO(), opts...)
	if err != nil {
		klog.Fatalf("failed to create AWS SDK config: %v", err)
	}
	return c
}
