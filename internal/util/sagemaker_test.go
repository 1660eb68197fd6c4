package util

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/stretchr/testify/assert"
)

type fakeDescriber struct {
	out *sagemaker.DescribeTrainingJobOutput
	err error
}

func (f *fakeDescriber) DescribeTrainingJob(ctx context.Context, params *sagemaker.DescribeTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeTrainingJobOutput, error) {
	return f.out, f.err
}

func Test_WrapTrainingJobFailure(t *testing.T) {
	waitErr := errors.New("waiter state transitioned to Failure")
	client := &fakeDescriber{out: &sagemaker.DescribeTrainingJobOutput{
		FailureReason: aws.String("AlgorithmError: exit code 1"),
		SecondaryStatusTransitions: []types.SecondaryStatusTransition{
			{Status: types.SecondaryStatusStarting, StatusMessage: aws.String("Preparing the instances")},
			{Status: types.SecondaryStatusFailed, StatusMessage: aws.String("Training job failed")},
		},
	}}
	err := WrapTrainingJobFailure(context.Background(), client, waitErr, "job")
	assert.ErrorIs(t, err, waitErr)
	assert.Equal(t, "waiter state transitioned to Failure: AlgorithmError: exit code 1--Failed: Training job failed", err.Error())
}

func Test_WrapTrainingJobFailure_DescribeFails(t *testing.T) {
	waitErr := errors.New("timeout")
	err := WrapTrainingJobFailure(context.Background(), &fakeDescriber{err: errors.New("throttled")}, waitErr, "job")
	assert.Equal(t, waitErr, err)
	assert.NoError(t, WrapTrainingJobFailure(context.Background(), &fakeDescriber{}, nil, "job"))
}

func Test_FirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", FirstNonEmpty("", "b", "c"))
	assert.Equal(t, 0, FirstNonEmpty(0, 0))
}
