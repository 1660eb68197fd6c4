package submit

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-cifar10-trainer/internal/awssdk"
	"k8s.io/klog/v2"
)

// Session runs a training job
type Session interface {
	Fit(ctx context.Context, e *Estimator) error
}

// IsLocal reports whether instanceType runs on this machine
func IsLocal(instanceType string) bool {
	return strings.HasPrefix(instanceType, "local")
}

// NewSession selects the local Docker session for local instance types, SageMaker otherwise
func NewSession(opts Options) Session {
	if IsLocal(opts.InstanceType) {
		return NewLocalSession()
	}
	return NewRemoteSession(awssdk.NewConfigForRegion(opts.Region), opts.Wait)
}

// Run merges the hyperparameter tokens into the defaults and fits the job
func Run(ctx context.Context, opts Options, session Session) error {
	overrides, err := ParseHyperparameters(opts.Hyperparams)
	if err != nil {
		return err
	}
	hp := Merge(DefaultHyperparameters(), overrides)
	e, err := NewEstimator(opts, hp, time.Now())
	if err != nil {
		return err
	}
	if session == nil {
		session = NewSession(opts)
	}
	klog.Infof("starting training job %s on %d x %s", e.JobName, e.InstanceCount, e.InstanceType)
	for _, k := range hp.Keys() {
		klog.V(2).Infof("hyperparameter %s=%s", k, hp[k])
	}
	return session.Fit(ctx, e)
}
