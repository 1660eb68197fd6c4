package metrics

import (
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// TrainerMetricNamespace is the default CloudWatch namespace for training metrics
var TrainerMetricNamespace = path.Join("aws-cifar10-trainer", "training")

type MetricRegistry interface {
	// Record adds a new metric value to the registry
	Record(spec *MetricSpec, value float64, dimensions map[string]string)
	// Emit sends all registered metric values to cloudwatch, emptying the registry
	Emit() error
}

type MetricSpec struct {
	Namespace string
	Metric    string
	Unit      types.StandardUnit
}

// TrainingMetric returns the spec for a logged training scalar such as "val_loss".
// Scalars ending in "_seconds" are reported in seconds, everything else is unitless.
func TrainingMetric(namespace, name string) *MetricSpec {
	if namespace == "" {
		namespace = TrainerMetricNamespace
	}
	unit := types.StandardUnitNone
	if strings.HasSuffix(name, "_seconds") {
		unit = types.StandardUnitSeconds
	}
	return &MetricSpec{
		Namespace: namespace,
		Metric:    name,
		Unit:      unit,
	}
}
