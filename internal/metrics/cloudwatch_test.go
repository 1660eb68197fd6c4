package metrics

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
)

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, params)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func Test_CloudWatchRegistry_Batches(t *testing.T) {
	cw := &fakeCloudWatch{}
	r := NewCloudWatchRegistry(cw)
	spec := TrainingMetric("", "val_loss")
	for i := 0; i < 2500; i++ {
		r.Record(spec, float64(i), map[string]string{"Host": "algo-1", "Job": "j"})
	}
	assert.NoError(t, r.Emit())
	assert.Len(t, cw.inputs, 3)
	assert.Len(t, cw.inputs[0].MetricData, 1000)
	assert.Len(t, cw.inputs[2].MetricData, 500)
	assert.Equal(t, TrainerMetricNamespace, aws.ToString(cw.inputs[0].Namespace))
	assert.Equal(t, 1999.0, aws.ToFloat64(cw.inputs[1].MetricData[999].Value))
	assert.Equal(t, "Host", aws.ToString(cw.inputs[0].MetricData[0].Dimensions[0].Name))

	// registry is emptied after emit
	assert.NoError(t, r.Emit())
	assert.Len(t, cw.inputs, 3)
}

func Test_TrainingMetric_Unit(t *testing.T) {
	assert.Equal(t, types.StandardUnitNone, TrainingMetric("ns", "val_acc").Unit)
	assert.Equal(t, types.StandardUnitSeconds, TrainingMetric("ns", "epoch_seconds").Unit)
	assert.Equal(t, "ns", TrainingMetric("ns", "val_acc").Namespace)
}

func Test_NoopRegistry(t *testing.T) {
	r := NewNoopMetricRegistry()
	r.Record(TrainingMetric("", "train_loss"), 0.5, nil)
	assert.NoError(t, r.Emit())
}
