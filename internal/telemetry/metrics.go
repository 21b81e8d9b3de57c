package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the engine's instruments. A nil *Metrics is valid
// and records nothing, which keeps tests free of meter plumbing.
type Metrics struct {
	eventsHandled  metric.Int64Counter
	framesDropped  metric.Int64Counter
	batchFlushes   metric.Int64Counter
	batchFlushSize metric.Int64Histogram
	notifications  metric.Int64Counter
	instances      metric.Int64UpDownCounter
}

// NewMetrics registers the instrument set on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.eventsHandled, err = meter.Int64Counter("agentdeck.events.handled",
		metric.WithDescription("Wire events applied to instance state")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.framesDropped, err = meter.Int64Counter("agentdeck.frames.dropped",
		metric.WithDescription("Malformed or unaddressable frames discarded")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.batchFlushes, err = meter.Int64Counter("agentdeck.batch.flushes",
		metric.WithDescription("Coalesced part-update batches applied")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.batchFlushSize, err = meter.Int64Histogram("agentdeck.batch.flush_size",
		metric.WithDescription("Part updates per flushed batch")); err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	if m.notifications, err = meter.Int64Counter("agentdeck.notifications",
		metric.WithDescription("Change notifications fanned out to subscribers")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.instances, err = meter.Int64UpDownCounter("agentdeck.instances.connected",
		metric.WithDescription("Connected backend instances")); err != nil {
		return nil, fmt.Errorf("failed to create updowncounter: %w", err)
	}
	return &m, nil
}

// EventHandled counts one applied wire event.
func (m *Metrics) EventHandled(instanceID, eventType string) {
	if m == nil {
		return
	}
	m.eventsHandled.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("instance", instanceID),
		attribute.String("type", eventType),
	))
}

// FrameDropped counts one discarded frame.
func (m *Metrics) FrameDropped(instanceID, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("instance", instanceID),
		attribute.String("reason", reason),
	))
}

// BatchFlushed records one applied batch and its size.
func (m *Metrics) BatchFlushed(instanceID string, size int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("instance", instanceID))
	m.batchFlushes.Add(context.Background(), 1, attrs)
	m.batchFlushSize.Record(context.Background(), int64(size), attrs)
}

// NotificationSent counts one fan-out by scope.
func (m *Metrics) NotificationSent(scope string) {
	if m == nil {
		return
	}
	m.notifications.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("scope", scope),
	))
}

// InstanceConnected moves the connected-instance gauge.
func (m *Metrics) InstanceConnected(delta int64) {
	if m == nil {
		return
	}
	m.instances.Add(context.Background(), delta)
}
