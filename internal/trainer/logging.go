package trainer

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-cifar10-trainer/internal/distributed"
	"github.com/aws/aws-cifar10-trainer/internal/metrics"
	"github.com/aws/aws-cifar10-trainer/internal/model"
)

// Logger receives the metrics of rank 0
type Logger interface {
	LogMetrics(metrics map[string]float32, step int) error
	LogHyperparams(params map[string]any) error
	Flush() error
	Close() error
}

// VersionedLogger is a logger that owns a run directory, such as TensorBoard's
type VersionedLogger interface {
	Logger
	LogDir() string
}

type stage string

const (
	stageTrain      stage = "train"
	stageValidation stage = "validation"
	stageTest       stage = "test"
)

type epochMetric struct {
	sum, weight float64
	opts        model.LogOptions
}

// connector collects the values logged by steps. Training values are kept per step,
// validation and test values are averaged over the epoch weighted by batch size.
type connector struct {
	stage stage
	step  map[string]float32
	epoch map[string]*epochMetric
	order []string
	bar   map[string]bool
}

func newConnector(s stage) *connector {
	return &connector{stage: s, step: map[string]float32{}, epoch: map[string]*epochMetric{}, bar: map[string]bool{}}
}

func (c *connector) Log(name string, value float32, batchSize int, opts model.LogOptions) {
	if _, ok := c.epoch[name]; !ok {
		c.epoch[name] = &epochMetric{opts: opts}
		c.order = append(c.order, name)
	}
	m := c.epoch[name]
	m.sum += float64(value) * float64(batchSize)
	m.weight += float64(batchSize)
	c.step[name] = value
	if opts.ProgBar {
		c.bar[name] = true
	}
}

// reduce returns the epoch averages. Metrics logged with SyncDist are averaged across the group.
func (c *connector) reduce(ctx context.Context, group distributed.Group) (map[string]float32, error) {
	names := slices.Clone(c.order)
	slices.Sort(names)
	var synced []float32
	for _, name := range names {
		if m := c.epoch[name]; m.opts.SyncDist {
			synced = append(synced, float32(m.sum), float32(m.weight))
		}
	}
	if len(synced) > 0 {
		if err := group.AllReduce(ctx, synced, distributed.ReduceSum); err != nil {
			return nil, fmt.Errorf("failed to synchronize %s metrics: %w", c.stage, err)
		}
	}
	out := map[string]float32{}
	i := 0
	for _, name := range names {
		m := c.epoch[name]
		sum, weight := m.sum, m.weight
		if m.opts.SyncDist {
			sum, weight = float64(synced[i]), float64(synced[i+1])
			i += 2
		}
		if weight > 0 {
			out[name] = float32(sum / weight)
		}
	}
	return out, nil
}

func metricNames(m map[string]float32) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func formatMetrics(m map[string]float32, include func(string) bool) string {
	var parts []string
	for _, name := range metricNames(m) {
		if include == nil || include(name) {
			parts = append(parts, fmt.Sprintf("%s=%.4g", name, m[name]))
		}
	}
	return strings.Join(parts, ", ")
}

// CloudWatchLogger records metrics into a CloudWatch registry and emits them on Flush
type CloudWatchLogger struct {
	Registry   metrics.MetricRegistry
	Namespace  string
	Dimensions map[string]string
}

func (l *CloudWatchLogger) LogMetrics(values map[string]float32, step int) error {
	for name, v := range values {
		l.Registry.Record(metrics.TrainingMetric(l.Namespace, name), float64(v), l.Dimensions)
	}
	return nil
}

func (l *CloudWatchLogger) LogHyperparams(map[string]any) error {
	return nil
}

func (l *CloudWatchLogger) Flush() error {
	return l.Registry.Emit()
}

func (l *CloudWatchLogger) Close() error {
	return l.Registry.Emit()
}
