package metrics

// NewNoopMetricRegistry discards training metrics. The trainer's CloudWatch logger
// uses it unless trainer.emit_metrics is set.
func NewNoopMetricRegistry() MetricRegistry {
	return &noopRegistry{}
}

type noopRegistry struct{}

func (r *noopRegistry) Record(spec *MetricSpec, value float64, dimensions map[string]string) {}

func (r *noopRegistry) Emit() error {
	return nil
}
