package server

import (
	"context"
	"strconv"
	"time"

	"github.com/tsarna/dime/pkg/dime/o11y"
)

// BrokerMetrics holds the instruments recorded by the broker. A nil
// *BrokerMetrics records nothing.
type BrokerMetrics struct {
	// Registry metrics
	connections o11y.Gauge
	liveTokens  o11y.Gauge
	acquired    o11y.Counter
	released    o11y.Counter
	exhausted   o11y.Counter

	// Message metrics
	messagesReceived o11y.Counter
	messagesSent     o11y.Counter
	messageErrors    o11y.Counter
	sendRetries      o11y.Counter
	dispatchDuration o11y.Histogram

	// Focus metrics
	inputs       o11y.Counter
	focusChanges o11y.Counter
}

// NewBrokerMetrics creates the instruments. A nil provider yields nil.
func NewBrokerMetrics(provider o11y.MetricsProvider) *BrokerMetrics {
	if provider == nil {
		return nil
	}

	return &BrokerMetrics{
		connections: provider.Gauge("dime_connections"),
		liveTokens:  provider.Gauge("dime_live_tokens"),
		acquired:    provider.Counter("dime_tokens_acquired_total"),
		released:    provider.Counter("dime_tokens_released_total"),
		exhausted:   provider.Counter("dime_token_space_exhausted_total"),

		messagesReceived: provider.Counter("dime_messages_received_total"),
		messagesSent:     provider.Counter("dime_messages_sent_total"),
		messageErrors:    provider.Counter("dime_message_errors_total"),
		sendRetries:      provider.Counter("dime_send_retries_total"),
		dispatchDuration: provider.Histogram("dime_dispatch_duration_seconds"),

		inputs:       provider.Counter("dime_inputs_total"),
		focusChanges: provider.Counter("dime_focus_changes_total"),
	}
}

// RecordRegistry updates the registry gauges.
func (m *BrokerMetrics) RecordRegistry(ctx context.Context, connections, tokens int) {
	if m == nil {
		return
	}
	m.connections.Set(ctx, float64(connections))
	m.liveTokens.Set(ctx, float64(tokens))
}

func (m *BrokerMetrics) RecordAcquire(ctx context.Context, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.exhausted.Add(ctx, 1)
		return
	}
	m.acquired.Add(ctx, 1)
}

func (m *BrokerMetrics) RecordRelease(ctx context.Context) {
	if m == nil {
		return
	}
	m.released.Add(ctx, 1)
}

// RecordMessageSent records a message written to a connection queue and
// the retries backpressure cost.
func (m *BrokerMetrics) RecordMessageSent(ctx context.Context, messageType string, retries int) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, o11y.Label{Key: "type", Value: messageType})
	if retries > 0 {
		m.sendRetries.Add(ctx, int64(retries), o11y.Label{Key: "type", Value: messageType})
	}
}

// RecordMessageError records a message that could not be received, decoded
// or handled.
func (m *BrokerMetrics) RecordMessageError(ctx context.Context, errorType string, messageType string) {
	if m == nil {
		return
	}
	m.messageErrors.Add(ctx, 1,
		o11y.Label{Key: "error_type", Value: errorType},
		o11y.Label{Key: "type", Value: messageType},
	)
}

// RecordDispatch counts a received message and returns a function that
// records how long handling it took.
//
//	done := metrics.RecordDispatch(ctx, "INPUT")
//	defer done(err)
func (m *BrokerMetrics) RecordDispatch(ctx context.Context, messageType string) func(error) {
	if m == nil {
		return func(error) {}
	}

	start := time.Now()
	m.messagesReceived.Add(ctx, 1, o11y.Label{Key: "type", Value: messageType})

	return func(err error) {
		m.dispatchDuration.Record(ctx, time.Since(start).Seconds(), o11y.Label{Key: "type", Value: messageType})
		if err != nil {
			m.RecordMessageError(ctx, "handler", messageType)
		}
	}
}

// RecordInput counts a keystroke and whether it reached the engine.
func (m *BrokerMetrics) RecordInput(ctx context.Context, forwarded bool) {
	if m == nil {
		return
	}
	m.inputs.Add(ctx, 1, o11y.Label{Key: "forwarded", Value: strconv.FormatBool(forwarded)})
}

func (m *BrokerMetrics) RecordFocus(ctx context.Context, direction string) {
	if m == nil {
		return
	}
	m.focusChanges.Add(ctx, 1, o11y.Label{Key: "direction", Value: direction})
}
