package websocket

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the hub instruments. A nil *Metrics records nothing.
type Metrics struct {
	connections metric.Int64UpDownCounter
	messages    metric.Int64Counter
	dropped     metric.Int64Counter
}

// NewMetrics creates the websocket instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	connections, err := meter.Int64UpDownCounter("websocket_connections_active",
		metric.WithDescription("Connected websocket clients"))
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket_connections_active: %w", err)
	}
	messages, err := meter.Int64Counter("websocket_messages_total",
		metric.WithDescription("Messages queued to websocket clients by type"))
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket_messages_total: %w", err)
	}
	dropped, err := meter.Int64Counter("websocket_dropped_messages_total",
		metric.WithDescription("Messages dropped because a buffer was full"))
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket_dropped_messages_total: %w", err)
	}
	return &Metrics{connections: connections, messages: messages, dropped: dropped}, nil
}

func (m *Metrics) connected(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, delta)
}

func (m *Metrics) sent(ctx context.Context, msgType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.messages.Add(ctx, int64(n), metric.WithAttributes(attribute.String("type", msgType)))
}

func (m *Metrics) drop(ctx context.Context, where string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("where", where)))
}
