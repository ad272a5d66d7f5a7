package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/dime/pkg/dime/o11y"
	"github.com/tsarna/dime/pkg/dime/server"
	"go.uber.org/zap/zaptest"
)

type received struct {
	topic string
	data  any
}

func startListener(t *testing.T, configure ...func(*ListenerConfig)) (*Listener, string) {
	t.Helper()

	cfg := NewListener().WithLogger(zaptest.NewLogger(t))
	for _, f := range configure {
		f(cfg)
	}
	l, err := cfg.Build()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(l.ServeWebsocket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.Shutdown(ctx)
		srv.Close()
	})

	return l, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectClient(t *testing.T, url string) (*Client, chan received) {
	t.Helper()

	events := make(chan received, 16)
	c, err := NewClient().
		WithURL(url).
		WithLogger(zaptest.NewLogger(t)).
		WithHandler(func(topic string, data any) { events <- received{topic, data} }).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Disconnect() })
	return c, events
}

func next(t *testing.T, events chan received) received {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return received{}
	}
}

func TestClientBuilderValidation(t *testing.T) {
	_, err := NewClient().WithHandler(func(string, any) {}).Build()
	assert.Error(t, err)

	_, err = NewClient().WithURL("ws://localhost:1").Build()
	assert.Error(t, err)
}

func TestListenerFiltersByTopic(t *testing.T) {
	l, url := startListener(t)
	c, events := connectClient(t, url)
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, "focus/#"))
	assert.Equal(t, 1, l.ConnectionCount())

	l.OnBrokerEvent(ctx, server.Event{Topic: "input/100", Type: "INPUT", Token: 100, Key: 'a'})
	l.OnBrokerEvent(ctx, server.Event{Topic: "focus/in/100", Type: "FOCUS_IN", Token: 100, Value: true})

	ev := next(t, events)
	assert.Equal(t, "focus/in/100", ev.topic)
	data := ev.data.(map[string]any)
	assert.Equal(t, "FOCUS_IN", data["type"])
	assert.Equal(t, float64(100), data["token"])
	assert.Equal(t, true, data["value"])

	require.NoError(t, c.Subscribe(ctx, "input/+token"))
	l.OnBrokerEvent(ctx, server.Event{Topic: "input/101", Type: "INPUT", Token: 101, Key: 'b'})
	ev = next(t, events)
	assert.Equal(t, "input/101", ev.topic)

	require.NoError(t, c.Unsubscribe(ctx, "input/+token"))
	l.OnBrokerEvent(ctx, server.Event{Topic: "input/102", Type: "INPUT", Token: 102})
	l.OnBrokerEvent(ctx, server.Event{Topic: "focus/out/100", Type: "FOCUS_OUT", Token: 100})
	assert.Equal(t, "focus/out/100", next(t, events).topic)
}

func TestListenerRejectsEmptyFilter(t *testing.T) {
	_, url := startListener(t)
	c, _ := connectClient(t, url)

	err := c.Subscribe(context.Background(), "")
	assert.ErrorContains(t, err, "topic filter is required")
}

func TestListenerInitialSubscriptionsAndSnapshots(t *testing.T) {
	l, url := startListener(t, func(cfg *ListenerConfig) {
		cfg.WithInitialSubscriptions("stats/#")
	})
	_, events := connectClient(t, url)

	require.Eventually(t, func() bool { return l.ConnectionCount() == 1 }, 2*time.Second, time.Millisecond)

	provider := o11y.NewStandaloneProvider("dime", l)
	provider.Counter("dime_inputs_total").Add(context.Background(), 3)
	provider.Publish(context.Background())

	ev := next(t, events)
	assert.Equal(t, SnapshotTopic, ev.topic)
	data := ev.data.(map[string]any)
	assert.Equal(t, "dime", data["service_name"])
	assert.Equal(t, float64(3), data["counters"].(map[string]any)["dime_inputs_total"])
}

func TestListenerShutdown(t *testing.T) {
	l, url := startListener(t)
	c, _ := connectClient(t, url)
	require.Eventually(t, func() bool { return l.ConnectionCount() == 1 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Shutdown(ctx))
	assert.Equal(t, 0, l.ConnectionCount())

	assert.NoError(t, c.Wait(ctx))
}

func TestListenerConfigValidation(t *testing.T) {
	_, err := NewListener().WithInitialSubscriptions("").Build()
	assert.Error(t, err)
}

func TestClientNotConnected(t *testing.T) {
	c, err := NewClient().WithURL("ws://127.0.0.1:1").WithHandler(func(string, any) {}).Build()
	require.NoError(t, err)

	assert.ErrorIs(t, c.Subscribe(context.Background(), "#"), ErrNotConnected)
	assert.ErrorIs(t, c.Wait(context.Background()), ErrNotConnected)
	assert.NoError(t, c.Disconnect())
}

func TestListenerMetrics(t *testing.T) {
	provider := o11y.NewStandaloneProvider("dime", nil)
	l, url := startListener(t, func(cfg *ListenerConfig) {
		cfg.WithMetrics(provider)
	})
	c, events := connectClient(t, url)
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, "focus/#"))
	l.OnBrokerEvent(ctx, server.Event{Topic: "focus/in/100", Type: "FOCUS_IN", Token: 100, Value: true})
	next(t, events)

	snapshot := provider.Snapshot()
	assert.Equal(t, int64(1), snapshot.Counters["monitor_connections_total"])
	assert.Equal(t, float64(1), snapshot.Gauges["monitor_active_connections"])
	assert.Equal(t, int64(1), snapshot.Counters["monitor_requests_total"])
	assert.Equal(t, int64(0), snapshot.Counters["monitor_request_errors_total"])
	assert.Eventually(t, func() bool {
		return provider.Snapshot().Counters["monitor_messages_sent_total"] >= 2
	}, 2*time.Second, time.Millisecond, "ack and event")

	require.NoError(t, c.Disconnect())
	require.Eventually(t, func() bool {
		return provider.Snapshot().Gauges["monitor_active_connections"] == 0
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, int64(1), provider.Snapshot().Histograms["monitor_connection_duration_seconds"].Count)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.Nil(t, NewMetrics(nil))

	ctx := context.Background()
	m.RecordConnectionStart(ctx, 1)
	m.RecordConnectionEnd(ctx, 0, time.Second)
	m.RecordMessageSent(ctx, 10, "event")
	m.RecordMessageDropped(ctx, "event")
	m.RecordRequest(ctx, "subscribe", nil)
	m.RecordPingSent(ctx)
}
