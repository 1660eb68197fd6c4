package submit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-cifar10-trainer/internal/platform"
	"github.com/aws/aws-cifar10-trainer/internal/util"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"k8s.io/klog/v2"
)

// MetricDefinitions extract the trainer's log output into job metrics
var MetricDefinitions = []types.MetricDefinition{
	{Name: aws.String("train_loss"), Regex: aws.String(`train_loss=([0-9.eE+-]+)`)},
	{Name: aws.String("val_loss"), Regex: aws.String(`val_loss=([0-9.eE+-]+)`)},
	{Name: aws.String("val_acc"), Regex: aws.String(`val_acc=([0-9.eE+-]+)`)},
}

// waitBuffer is added to the job's own time limits when waiting for it
const waitBuffer = time.Hour

type SageMakerAPI interface {
	sagemaker.DescribeTrainingJobAPIClient
	CreateTrainingJob(ctx context.Context, params *sagemaker.CreateTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateTrainingJobOutput, error)
}

type S3API interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// RemoteSession submits training jobs to SageMaker
type RemoteSession struct {
	SageMaker SageMakerAPI
	S3        S3API
	STS       STSAPI
	Region    string
	Wait      bool
	// PollDelay is the minimum delay between job status checks
	PollDelay time.Duration
}

func NewRemoteSession(cfg aws.Config, wait bool) *RemoteSession {
	return &RemoteSession{
		SageMaker: sagemaker.NewFromConfig(cfg),
		S3:        s3.NewFromConfig(cfg),
		STS:       sts.NewFromConfig(cfg),
		Region:    cfg.Region,
		Wait:      wait,
		PollDelay: 30 * time.Second,
	}
}

func (s *RemoteSession) Fit(ctx context.Context, e *Estimator) error {
	input, err := s.resolveInput(ctx, e)
	if err != nil {
		return err
	}
	req, err := s.createRequest(e, input)
	if err != nil {
		return err
	}
	klog.Infof("creating training job %s", e.JobName)
	out, err := s.SageMaker.CreateTrainingJob(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create training job %s: %w", e.JobName, err)
	}
	klog.Infof("created training job: %s", aws.ToString(out.TrainingJobArn))
	if !s.Wait {
		return nil
	}

	klog.Infof("waiting for training job %s to finish", e.JobName)
	describe := &sagemaker.DescribeTrainingJobInput{TrainingJobName: aws.String(e.JobName)}
	err = sagemaker.NewTrainingJobCompletedOrStoppedWaiter(s.SageMaker, func(o *sagemaker.TrainingJobCompletedOrStoppedWaiterOptions) {
		if s.PollDelay > 0 {
			o.MinDelay = s.PollDelay
			o.MaxDelay = max(o.MaxDelay, s.PollDelay)
		}
	}).Wait(ctx, describe, e.MaxRun+e.MaxWait+waitBuffer)
	if err != nil {
		return util.WrapTrainingJobFailure(ctx, s.SageMaker, fmt.Errorf("training job %s did not complete: %w", e.JobName, err), e.JobName)
	}
	job, err := s.SageMaker.DescribeTrainingJob(ctx, describe)
	if err != nil {
		return err
	}
	klog.Infof("training job %s finished with status %s", e.JobName, job.TrainingJobStatus)
	if job.ModelArtifacts != nil {
		klog.Infof("model artifacts: %s", aws.ToString(job.ModelArtifacts.S3ModelArtifacts))
	}
	return nil
}

func (s *RemoteSession) createRequest(e *Estimator, input string) (*sagemaker.CreateTrainingJobInput, error) {
	if scheme, _, err := parseURI(e.OutputPath); err != nil || scheme != "s3" {
		return nil, fmt.Errorf("training jobs need an s3:// output path, got %q", e.OutputPath)
	}
	hp, err := e.EncodedHyperparameters()
	if err != nil {
		return nil, err
	}
	req := &sagemaker.CreateTrainingJobInput{
		TrainingJobName: aws.String(e.JobName),
		RoleArn:         aws.String(e.Role),
		AlgorithmSpecification: &types.AlgorithmSpecification{
			TrainingImage:     aws.String(e.ImageURI),
			TrainingInputMode: types.TrainingInputModeFile,
			MetricDefinitions: MetricDefinitions,
		},
		HyperParameters: hp,
		InputDataConfig: []types.Channel{{
			ChannelName: aws.String(TrainingChannel),
			DataSource: &types.DataSource{
				S3DataSource: &types.S3DataSource{
					S3DataType:             types.S3DataTypeS3Prefix,
					S3Uri:                  aws.String(input),
					S3DataDistributionType: types.S3DataDistributionFullyReplicated,
				},
			},
		}},
		OutputDataConfig: &types.OutputDataConfig{S3OutputPath: aws.String(e.OutputPath)},
		ResourceConfig: &types.ResourceConfig{
			InstanceType:   types.TrainingInstanceType(e.InstanceType),
			InstanceCount:  aws.Int32(int32(e.InstanceCount)),
			VolumeSizeInGB: aws.Int32(int32(e.VolumeSize)),
		},
		StoppingCondition: &types.StoppingCondition{
			MaxRuntimeInSeconds: aws.Int32(int32(e.MaxRun.Seconds())),
		},
	}
	if e.UseSpot {
		req.EnableManagedSpotTraining = aws.Bool(true)
		req.StoppingCondition.MaxWaitTimeInSeconds = aws.Int32(int32(e.MaxWait.Seconds()))
	}
	if e.CheckpointURI != "" {
		if scheme, _, err := parseURI(e.CheckpointURI); err != nil || scheme != "s3" {
			return nil, fmt.Errorf("training jobs need an s3:// checkpoint path, got %q", e.CheckpointURI)
		}
		req.CheckpointConfig = &types.CheckpointConfig{
			S3Uri:     aws.String(e.CheckpointURI),
			LocalPath: aws.String(e.CheckpointLocal),
		}
		req.Environment = map[string]string{platform.EnvCheckpointDir: e.CheckpointLocal}
	}
	if e.MaxRetry > 0 {
		req.RetryStrategy = &types.RetryStrategy{MaximumRetryAttempts: aws.Int32(int32(e.MaxRetry))}
	}
	return req, nil
}

// resolveInput returns the S3 URI of the training channel, uploading a file:// channel
// to s3://sagemaker-<region>-<account>/<job>/input/training first
func (s *RemoteSession) resolveInput(ctx context.Context, e *Estimator) (string, error) {
	uri := e.Inputs[TrainingChannel]
	scheme, location, err := parseURI(uri)
	if err != nil {
		return "", err
	}
	if scheme == "s3" {
		return uri, nil
	}
	bucket, err := s.defaultBucket(ctx)
	if err != nil {
		return "", err
	}
	prefix := path.Join(e.JobName, "input", TrainingChannel)
	if err := s.upload(ctx, location, bucket, prefix); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", location, err)
	}
	return "s3://" + bucket + "/" + prefix, nil
}

func (s *RemoteSession) defaultBucket(ctx context.Context) (string, error) {
	if s.Region == "" {
		return "", fmt.Errorf("no AWS region configured")
	}
	id, err := s.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get caller identity: %w", err)
	}
	bucket := fmt.Sprintf("sagemaker-%s-%s", s.Region, aws.ToString(id.Account))
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 rejects an explicit location constraint
	if s.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(s.Region),
		}
	}
	if _, err := s.S3.CreateBucket(ctx, input); err != nil {
		var apierr smithy.APIError
		if !errors.As(err, &apierr) || apierr.ErrorCode() != "BucketAlreadyOwnedByYou" {
			return "", fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	} else {
		klog.Infof("created bucket %s", bucket)
	}
	return bucket, nil
}

func (s *RemoteSession) upload(ctx context.Context, dir, bucket, prefix string) error {
	count := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		key := path.Join(prefix, filepath.ToSlash(rel))
		if _, err := s.S3.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   f,
		}); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("no files in %s", dir)
	}
	klog.Infof("uploaded %d files from %s to s3://%s/%s", count, dir, bucket, strings.TrimSuffix(prefix, "/"))
	return nil
}
