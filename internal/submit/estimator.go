package submit

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-cifar10-trainer/internal/platform"
)

// TrainingChannel is the input channel the trainer reads CIFAR-10 from
const TrainingChannel = "training"

// Options of the run-sagemaker command
type Options struct {
	ImageURI       string `flag:"image_uri" desc:"Training image"`
	Role           string `flag:"role" desc:"IAM role assumed by the training job"`
	InputPath      string `flag:"input_path" desc:"Training channel: file:// or s3:// URI"`
	OutputPath     string `flag:"output_path" desc:"Where model.tar.gz is written: file:// or s3:// URI"`
	CheckpointPath string `flag:"checkpoint_path" desc:"URI synced with the container's checkpoint directory"`
	InstanceType   string `flag:"instance_type" desc:"Instance type. local and local_gpu run in Docker"`
	InstanceCount  int    `flag:"instance_count" desc:"Number of instances"`
	SpotInstances  bool   `flag:"spot_instances" desc:"Use managed spot training"`
	MaxRun         int    `flag:"max_run" desc:"Maximum training time in seconds"`
	MaxWait        int    `flag:"max_wait" desc:"Maximum time in seconds to wait for spot capacity and training, defaults to max_run"`
	MaxRetry       int    `flag:"max_retry" desc:"Retries of a failed job by the platform, 0 to disable"`
	VolumeSize     int    `flag:"volume_size" desc:"Storage volume size in GB"`
	JobName        string `flag:"job_name" desc:"Training job name, generated from the image name when empty"`
	Region         string `flag:"region" desc:"AWS region, defaults to the SDK's region chain"`
	Wait           bool   `flag:"wait" desc:"Wait for the training job to finish"`
	// Hyperparams are key=value tokens, registered separately so values may contain commas
	Hyperparams []string `flag:"-"`
}

func DefaultOptions() Options {
	return Options{
		ImageURI:      "sagemaker-tutorial",
		Role:          "arn:aws:iam::000000000000:role/dummy",
		InputPath:     "file://.cache",
		OutputPath:    "file://output",
		InstanceType:  "local_gpu",
		InstanceCount: 1,
		MaxRun:        24 * 60 * 60,
		VolumeSize:    30,
		Wait:          true,
	}
}

// Estimator is a fully resolved training job
type Estimator struct {
	JobName         string
	ImageURI        string
	Role            string
	InstanceType    string
	InstanceCount   int
	VolumeSize      int
	MaxRun          time.Duration
	MaxWait         time.Duration
	MaxRetry        int
	UseSpot         bool
	Inputs          map[string]string
	OutputPath      string
	CheckpointURI   string
	CheckpointLocal string
	Hyperparameters Hyperparameters
}

// NewEstimator validates opts and names the job "<image>-<timestamp>" unless a name is given
func NewEstimator(opts Options, hp Hyperparameters, now time.Time) (*Estimator, error) {
	if opts.InstanceCount < 1 {
		return nil, fmt.Errorf("instance_count must be at least 1, got %d", opts.InstanceCount)
	}
	if opts.MaxRun <= 0 {
		return nil, fmt.Errorf("max_run must be positive, got %d", opts.MaxRun)
	}
	if opts.MaxRetry < 0 {
		return nil, fmt.Errorf("max_retry must not be negative, got %d", opts.MaxRetry)
	}
	e := &Estimator{
		JobName:         opts.JobName,
		ImageURI:        opts.ImageURI,
		Role:            opts.Role,
		InstanceType:    opts.InstanceType,
		InstanceCount:   opts.InstanceCount,
		VolumeSize:      opts.VolumeSize,
		MaxRun:          time.Duration(opts.MaxRun) * time.Second,
		MaxRetry:        opts.MaxRetry,
		UseSpot:         opts.SpotInstances,
		Inputs:          map[string]string{TrainingChannel: opts.InputPath},
		OutputPath:      opts.OutputPath,
		CheckpointURI:   opts.CheckpointPath,
		Hyperparameters: hp,
	}
	if opts.SpotInstances {
		maxWait := opts.MaxWait
		if maxWait == 0 {
			maxWait = opts.MaxRun
		}
		if maxWait < opts.MaxRun {
			return nil, fmt.Errorf("max_wait (%d) must be at least max_run (%d)", maxWait, opts.MaxRun)
		}
		e.MaxWait = time.Duration(maxWait) * time.Second
	} else if opts.MaxWait != 0 {
		return nil, fmt.Errorf("max_wait requires spot_instances")
	}
	if e.CheckpointURI != "" {
		e.CheckpointLocal = platform.DefaultCheckpointDir
	}
	if e.JobName == "" {
		e.JobName = JobName(opts.ImageURI, now)
	}
	return e, nil
}

// JobName derives a unique job name from the image repository name
func JobName(imageURI string, now time.Time) string {
	base := path.Base(imageURI)
	if i := strings.IndexAny(base, ":@"); i > 0 {
		base = base[:i]
	}
	base = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '-'
	}, base)
	ts := now.UTC().Format("2006-01-02-15-04-05.000")
	ts = strings.Replace(ts, ".", "-", 1)
	// job names are limited to 63 characters
	if limit := 63 - len(ts) - 1; len(base) > limit {
		base = base[:limit]
	}
	return base + "-" + ts
}

// EncodedHyperparameters JSON-encodes every value, as the platform expects
func (e *Estimator) EncodedHyperparameters() (map[string]string, error) {
	out := make(map[string]string, len(e.Hyperparameters))
	for k, v := range e.Hyperparameters {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = string(b)
	}
	return out, nil
}

// parseURI splits a file:// or s3:// URI
func parseURI(uri string) (scheme, location string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid URI %q: %w", uri, err)
	}
	switch u.Scheme {
	case "file":
		return u.Scheme, u.Host + u.Path, nil
	case "s3":
		return u.Scheme, u.Host + u.Path, nil
	default:
		return "", "", fmt.Errorf("unsupported URI %q, expected file:// or s3://", uri)
	}
}
