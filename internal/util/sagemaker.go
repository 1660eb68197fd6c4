package util

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
)

// TrainingJobDescriber is the subset of the SageMaker client used to explain job failures
type TrainingJobDescriber interface {
	DescribeTrainingJob(ctx context.Context, params *sagemaker.DescribeTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeTrainingJobOutput, error)
}

// WrapTrainingJobFailure decorates waitErr with the failure reason and the secondary status
// transitions that ended in a failed or stopped state
func WrapTrainingJobFailure(ctx context.Context, client TrainingJobDescriber, waitErr error, jobName string) error {
	if waitErr == nil {
		return nil
	}
	out, err := client.DescribeTrainingJob(ctx, &sagemaker.DescribeTrainingJobInput{
		TrainingJobName: aws.String(jobName),
	})
	if err != nil {
		return waitErr
	}
	var details []string
	if reason := aws.ToString(out.FailureReason); reason != "" {
		details = append(details, reason)
	}
	for _, transition := range out.SecondaryStatusTransitions {
		switch transition.Status {
		case types.SecondaryStatusFailed, types.SecondaryStatusStopped, types.SecondaryStatusInterrupted, types.SecondaryStatusMaxRuntimeExceeded, types.SecondaryStatusMaxWaitTimeExceeded:
			details = append(details, fmt.Sprintf("%s: %s", transition.Status, aws.ToString(transition.StatusMessage)))
		}
	}
	if len(details) == 0 {
		return waitErr
	}
	return fmt.Errorf("%w: %s", waitErr, strings.Join(details, "--"))
}
