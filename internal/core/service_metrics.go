package core

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type serviceMetrics struct {
	batches metric.Int64Counter
	events  metric.Int64Counter
}

func newServiceMetrics(logger pslog.Logger) *serviceMetrics {
	meter := otel.Meter("pkt.systems/ingestd/core")
	m := &serviceMetrics{}
	var err error

	m.batches, err = meter.Int64Counter(
		"ingestd.batches.accepted",
		metric.WithDescription("Event batches accepted into storage"),
	)
	logMetricInitError(logger, "ingestd.batches.accepted", err)

	m.events, err = meter.Int64Counter(
		"ingestd.events.accepted",
		metric.WithDescription("Events accepted into storage"),
	)
	logMetricInitError(logger, "ingestd.events.accepted", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func (m *serviceMetrics) submitted(events int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	if m.batches != nil {
		m.batches.Add(ctx, 1)
	}
	if m.events != nil && events > 0 {
		m.events.Add(ctx, int64(events))
	}
}
