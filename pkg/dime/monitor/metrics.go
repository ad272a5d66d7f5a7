package monitor

import (
	"context"
	"time"

	"github.com/tsarna/dime/pkg/dime/o11y"
)

// Metrics holds the instruments recorded by the listener. A nil *Metrics
// records nothing.
type Metrics struct {
	activeConnections  o11y.Gauge
	totalConnections   o11y.Counter
	connectionDuration o11y.Histogram

	messagesSent    o11y.Counter
	messagesDropped o11y.Counter
	messageSize     o11y.Histogram

	requestsTotal o11y.Counter
	requestErrors o11y.Counter

	pingsSent o11y.Counter
}

// NewMetrics creates the listener instruments, or returns nil when provider
// is nil.
func NewMetrics(provider o11y.MetricsProvider) *Metrics {
	if provider == nil {
		return nil
	}

	return &Metrics{
		activeConnections:  provider.Gauge("monitor_active_connections"),
		totalConnections:   provider.Counter("monitor_connections_total"),
		connectionDuration: provider.Histogram("monitor_connection_duration_seconds"),

		messagesSent:    provider.Counter("monitor_messages_sent_total"),
		messagesDropped: provider.Counter("monitor_messages_dropped_total"),
		messageSize:     provider.Histogram("monitor_message_size_bytes"),

		requestsTotal: provider.Counter("monitor_requests_total"),
		requestErrors: provider.Counter("monitor_request_errors_total"),

		pingsSent: provider.Counter("monitor_pings_sent_total"),
	}
}

func (m *Metrics) RecordConnectionStart(ctx context.Context, active int) {
	if m == nil {
		return
	}
	m.totalConnections.Add(ctx, 1)
	m.activeConnections.Set(ctx, float64(active))
}

func (m *Metrics) RecordConnectionEnd(ctx context.Context, active int, duration time.Duration) {
	if m == nil {
		return
	}
	m.connectionDuration.Record(ctx, duration.Seconds())
	m.activeConnections.Set(ctx, float64(active))
}

func (m *Metrics) RecordMessageSent(ctx context.Context, sizeBytes int, kind string) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, o11y.Label{Key: "kind", Value: kind})
	m.messageSize.Record(ctx, float64(sizeBytes))
}

// RecordMessageDropped counts a message lost to a full client queue.
func (m *Metrics) RecordMessageDropped(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1, o11y.Label{Key: "kind", Value: kind})
}

func (m *Metrics) RecordRequest(ctx context.Context, kind string, err error) {
	if m == nil {
		return
	}
	m.requestsTotal.Add(ctx, 1, o11y.Label{Key: "kind", Value: kind})
	if err != nil {
		m.requestErrors.Add(ctx, 1, o11y.Label{Key: "kind", Value: kind})
	}
}

func (m *Metrics) RecordPingSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.pingsSent.Add(ctx, 1)
}
