package svcgroup

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/svcgroup/internal/atomicgroup"
	"pkt.systems/svcgroup/replica"
)

const instrumentationName = "pkt.systems/svcgroup"

type coordinatorMetrics struct {
	replicateDuration metric.Int64Histogram
	replicateFailed   metric.Int64Counter
	fanoutDuration    metric.Int64Histogram
	groupsTerminated  metric.Int64Counter
	groupsRolledBack  metric.Int64Counter
	faults            metric.Int64Counter
	groupsOpen        metric.Int64ObservableGauge
}

func newCoordinatorMetrics(mp metric.MeterProvider, partition string, table *atomicgroup.Table, logger pslog.Logger) *coordinatorMetrics {
	meter := mp.Meter(instrumentationName)
	m := &coordinatorMetrics{}
	var err error

	m.replicateDuration, err = meter.Int64Histogram(
		"svcgroup.group.replicate.duration_ms",
		metric.WithDescription("Time from starting an atomic group replicate until it completed"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "svcgroup.group.replicate.duration_ms", err)

	m.replicateFailed, err = meter.Int64Counter(
		"svcgroup.group.replicate.failed",
		metric.WithDescription("Atomic group replicates that failed and were fixed up"),
	)
	logMetricInitError(logger, "svcgroup.group.replicate.failed", err)

	m.fanoutDuration, err = meter.Int64Histogram(
		"svcgroup.group.fanout.duration_ms",
		metric.WithDescription("Time spent applying a group decision to every participant"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "svcgroup.group.fanout.duration_ms", err)

	m.groupsTerminated, err = meter.Int64Counter(
		"svcgroup.group.terminated",
		metric.WithDescription("Atomic groups committed or rolled back through replication"),
	)
	logMetricInitError(logger, "svcgroup.group.terminated", err)

	m.groupsRolledBack, err = meter.Int64Counter(
		"svcgroup.group.rollback_all",
		metric.WithDescription("Atomic groups rolled back locally"),
	)
	logMetricInitError(logger, "svcgroup.group.rollback_all", err)

	m.faults, err = meter.Int64Counter(
		"svcgroup.fault",
		metric.WithDescription("Faults reported by the group or its members"),
	)
	logMetricInitError(logger, "svcgroup.fault", err)

	m.groupsOpen, err = meter.Int64ObservableGauge(
		"svcgroup.group.open",
		metric.WithDescription("Atomic groups currently open"),
	)
	logMetricInitError(logger, "svcgroup.group.open", err)

	if m.groupsOpen != nil && table != nil {
		attrs := metric.WithAttributes(attribute.String("svcgroup.partition_id", partition))
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.groupsOpen, int64(table.Len()), attrs)
			return nil
		}, m.groupsOpen); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "svcgroup.group.open", "error", err)
		}
	}
	return m
}

func (m *coordinatorMetrics) recordReplicate(ctx context.Context, kind replica.OperationKind, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("svcgroup.kind", kind.String()),
		attribute.String("svcgroup.result", metricResultLabel(err)),
	)
	if m.replicateDuration != nil {
		m.replicateDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
	if err != nil && m.replicateFailed != nil {
		m.replicateFailed.Add(ctx, 1, attrs)
	}
}

func (m *coordinatorMetrics) recordFanout(ctx context.Context, verb string, participants int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("svcgroup.verb", verb),
		attribute.String("svcgroup.result", metricResultLabel(err)),
		attribute.Int("svcgroup.participants", participants),
	)
	if m.fanoutDuration != nil {
		m.fanoutDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
	if m.groupsTerminated != nil {
		m.groupsTerminated.Add(ctx, 1, attrs)
	}
}

func (m *coordinatorMetrics) recordRollbackAll(ctx context.Context, reason string, groups int) {
	if m == nil || m.groupsRolledBack == nil || groups == 0 {
		return
	}
	m.groupsRolledBack.Add(metricContext(ctx), int64(groups), metric.WithAttributes(attribute.String("svcgroup.reason", reason)))
}

func (m *coordinatorMetrics) recordFault(ctx context.Context, kind replica.FaultType, member string) {
	if m == nil || m.faults == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("svcgroup.fault", kind.String())}
	if member != "" {
		attrs = append(attrs, attribute.String("svcgroup.member", member))
	}
	m.faults.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func metricResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, replica.ErrInvalidAtomicGroup):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
