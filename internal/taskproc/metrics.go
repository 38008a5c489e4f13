package taskproc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type registryMetrics struct {
	depth     metric.Int64ObservableGauge
	maxDepth  metric.Int64ObservableGauge
	processed metric.Int64ObservableCounter
}

func newRegistryMetrics(logger pslog.Logger, reg *Registry) *registryMetrics {
	meter := otel.Meter("pkt.systems/amid/taskproc")
	m := &registryMetrics{}
	var err error

	m.depth, err = meter.Int64ObservableGauge(
		"amid.taskproc.depth",
		metric.WithDescription("Queued tasks (per processor)"),
	)
	logMetricInitError(logger, "amid.taskproc.depth", err)

	m.maxDepth, err = meter.Int64ObservableGauge(
		"amid.taskproc.max_depth",
		metric.WithDescription("Deepest queue seen at dequeue (per processor)"),
	)
	logMetricInitError(logger, "amid.taskproc.max_depth", err)

	m.processed, err = meter.Int64ObservableCounter(
		"amid.taskproc.processed",
		metric.WithDescription("Tasks executed (per processor)"),
	)
	logMetricInitError(logger, "amid.taskproc.processed", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if reg == nil {
			return nil
		}
		reg.observeMetrics(o, m)
		return nil
	}, m.depth, m.maxDepth, m.processed); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "amid.taskproc.registry", "error", err)
	}
	return m
}

func (r *Registry) observeMetrics(o metric.Observer, m *registryMetrics) {
	for _, p := range r.List() {
		st := p.Stats()
		attrs := metric.WithAttributes(attribute.String("amid.taskproc", p.name))
		if m.depth != nil {
			o.ObserveInt64(m.depth, int64(st.Depth), attrs)
		}
		if m.maxDepth != nil {
			o.ObserveInt64(m.maxDepth, int64(st.MaxDepth), attrs)
		}
		if m.processed != nil {
			o.ObserveInt64(m.processed, int64(st.Processed), attrs)
		}
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
