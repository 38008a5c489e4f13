package manager

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type managerMetrics struct {
	sessions metric.Int64ObservableGauge
	eventq   metric.Int64ObservableGauge
	users    metric.Int64ObservableGauge
	events   metric.Int64Counter
	actions  metric.Int64Counter
}

func newManagerMetrics(logger pslog.Logger, m *Manager) *managerMetrics {
	meter := otel.Meter("pkt.systems/amid/manager")
	mm := &managerMetrics{}
	var err error

	mm.sessions, err = meter.Int64ObservableGauge(
		"amid.manager.sessions",
		metric.WithDescription("Live manager sessions (per transport)"),
	)
	logMetricInitError(logger, "amid.manager.sessions", err)

	mm.eventq, err = meter.Int64ObservableGauge(
		"amid.manager.eventq.length",
		metric.WithDescription("Records held in the event log"),
	)
	logMetricInitError(logger, "amid.manager.eventq.length", err)

	mm.users, err = meter.Int64ObservableGauge(
		"amid.manager.users",
		metric.WithDescription("Configured manager accounts"),
	)
	logMetricInitError(logger, "amid.manager.users", err)

	mm.events, err = meter.Int64Counter(
		"amid.manager.events",
		metric.WithDescription("Events emitted"),
	)
	logMetricInitError(logger, "amid.manager.events", err)

	mm.actions, err = meter.Int64Counter(
		"amid.manager.actions",
		metric.WithDescription("Actions dispatched (per action and outcome)"),
	)
	logMetricInitError(logger, "amid.manager.actions", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if m == nil {
			return nil
		}
		m.observeMetrics(o, mm)
		return nil
	}, mm.sessions, mm.eventq, mm.users); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "amid.manager", "error", err)
	}
	return mm
}

func (m *Manager) observeMetrics(o metric.Observer, mm *managerMetrics) {
	if mm.sessions != nil {
		counts := make(map[string]int64, 4)
		m.sessions.each(func(s *Session) { counts[s.transport]++ })
		for transport, n := range counts {
			o.ObserveInt64(mm.sessions, n, metric.WithAttributes(attribute.String("amid.manager.transport", transport)))
		}
	}
	if mm.eventq != nil {
		o.ObserveInt64(mm.eventq, int64(m.events.Len()))
	}
	if mm.users != nil {
		o.ObserveInt64(mm.users, int64(m.users.len()))
	}
}

func (mm *managerMetrics) recordAction(ctx context.Context, action, outcome string) {
	if mm == nil || mm.actions == nil {
		return
	}
	mm.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("amid.manager.action", action),
		attribute.String("amid.manager.outcome", outcome),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
