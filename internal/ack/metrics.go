package ack

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// registryMetrics publishes acknowledgement lifecycle counters. Channel names
// are deliberately not used as attributes: with up to a million channels the
// cardinality would sink any metrics backend.
type registryMetrics struct {
	allocatedCount metric.Int64Counter
	resolvedCount  metric.Int64Counter
	reclaimedCount metric.Int64Counter
	evictedCount   metric.Int64Counter
	reapedCount    metric.Int64Counter
	createdCount   metric.Int64Counter

	outstandingGauge metric.Int64ObservableGauge
	channelsGauge    metric.Int64ObservableGauge
}

func newRegistryMetrics(r *Registry) *registryMetrics {
	meter := otel.Meter("pkt.systems/ingestd/ack")
	m := &registryMetrics{}
	logger := r.logger
	var err error

	m.allocatedCount, err = meter.Int64Counter(
		"ingestd.acks.allocated",
		metric.WithDescription("Acknowledgement ids issued"),
	)
	logMetricInitError(logger, "ingestd.acks.allocated", err)

	m.resolvedCount, err = meter.Int64Counter(
		"ingestd.acks.resolved",
		metric.WithDescription("Acknowledgement ids marked durable"),
	)
	logMetricInitError(logger, "ingestd.acks.resolved", err)

	m.reclaimedCount, err = meter.Int64Counter(
		"ingestd.acks.reclaimed",
		metric.WithDescription("Acknowledgement ids reported to clients and reclaimed"),
	)
	logMetricInitError(logger, "ingestd.acks.reclaimed", err)

	m.evictedCount, err = meter.Int64Counter(
		"ingestd.acks.evicted",
		metric.WithDescription("Acknowledgement ids evicted by admission control"),
	)
	logMetricInitError(logger, "ingestd.acks.evicted", err)

	m.reapedCount, err = meter.Int64Counter(
		"ingestd.channels.reaped",
		metric.WithDescription("Channels removed by the idle reaper"),
	)
	logMetricInitError(logger, "ingestd.channels.reaped", err)

	m.createdCount, err = meter.Int64Counter(
		"ingestd.channels.created",
		metric.WithDescription("Channels created"),
	)
	logMetricInitError(logger, "ingestd.channels.created", err)

	m.outstandingGauge, err = meter.Int64ObservableGauge(
		"ingestd.acks.outstanding",
		metric.WithDescription("Un-reclaimed acknowledgement ids"),
	)
	logMetricInitError(logger, "ingestd.acks.outstanding", err)

	m.channelsGauge, err = meter.Int64ObservableGauge(
		"ingestd.channels.active",
		metric.WithDescription("Currently tracked channels"),
	)
	logMetricInitError(logger, "ingestd.channels.active", err)

	if m.outstandingGauge != nil && m.channelsGauge != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.outstandingGauge, r.outstanding.Load())
			o.ObserveInt64(m.channelsGauge, r.channelCount.Load())
			return nil
		}, m.outstandingGauge, m.channelsGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "ingestd.acks.outstanding", "error", err)
		}
	}

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func (m *registryMetrics) allocated() {
	if m == nil || m.allocatedCount == nil {
		return
	}
	m.allocatedCount.Add(context.Background(), 1)
}

func (m *registryMetrics) resolved() {
	if m == nil || m.resolvedCount == nil {
		return
	}
	m.resolvedCount.Add(context.Background(), 1)
}

func (m *registryMetrics) reclaimed(n int64) {
	if m == nil || m.reclaimedCount == nil || n <= 0 {
		return
	}
	m.reclaimedCount.Add(context.Background(), n)
}

func (m *registryMetrics) evicted(scope string) {
	if m == nil || m.evictedCount == nil {
		return
	}
	m.evictedCount.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("scope", scope)))
}

func (m *registryMetrics) reaped(n int64) {
	if m == nil || m.reapedCount == nil || n <= 0 {
		return
	}
	m.reapedCount.Add(context.Background(), n)
}

func (m *registryMetrics) channelCreated() {
	if m == nil || m.createdCount == nil {
		return
	}
	m.createdCount.Add(context.Background(), 1)
}
