package monitor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/coder/websocket"
	"github.com/tsarna/dime/pkg/dime/o11y"
	"github.com/tsarna/dime/pkg/dime/server"
	"go.uber.org/zap"
)

const (
	// DefaultQueueSize is the number of events buffered per client before
	// events are dropped for that client.
	DefaultQueueSize = 256

	// DefaultPingInterval is how often idle clients are pinged.
	DefaultPingInterval = 30 * time.Second

	// DefaultWriteTimeout bounds a single write to a client.
	DefaultWriteTimeout = 10 * time.Second
)

// ListenerConfig provides a fluent interface for creating a Listener.
type ListenerConfig struct {
	logger               *zap.Logger
	queueSize            int
	pingInterval         time.Duration
	writeTimeout         time.Duration
	initialSubscriptions []string
	metrics              *Metrics
}

// NewListener creates a ListenerConfig with the defaults.
//
//	listener, err := monitor.NewListener().
//	    WithLogger(logger).
//	    WithInitialSubscriptions("focus/#").
//	    Build()
//	http.HandleFunc("/monitor", listener.ServeWebsocket)
func NewListener() *ListenerConfig {
	return &ListenerConfig{
		logger:       zap.NewNop(),
		queueSize:    DefaultQueueSize,
		pingInterval: DefaultPingInterval,
		writeTimeout: DefaultWriteTimeout,
	}
}

func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithQueueSize sets the per-client event buffer. Must be positive.
func (c *ListenerConfig) WithQueueSize(size int) *ListenerConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithPingInterval sets the ping interval; 0 disables pings.
func (c *ListenerConfig) WithPingInterval(interval time.Duration) *ListenerConfig {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithMetrics records listener metrics with provider.
func (c *ListenerConfig) WithMetrics(provider o11y.MetricsProvider) *ListenerConfig {
	c.metrics = NewMetrics(provider)
	return c
}

// WithInitialSubscriptions sets topic filters every new client starts with.
func (c *ListenerConfig) WithInitialSubscriptions(topics ...string) *ListenerConfig {
	c.initialSubscriptions = append([]string(nil), topics...)
	return c
}

// IsValid checks the initial subscriptions are usable filters.
func (c *ListenerConfig) IsValid() error {
	for _, topic := range c.initialSubscriptions {
		if err := validateFilter(topic); err != nil {
			return err
		}
	}
	return nil
}

func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	return &Listener{
		logger:      c.logger,
		config:      c,
		connections: make(map[*connection]struct{}),
		shutdown:    make(chan struct{}),
	}, nil
}

// Listener accepts monitor clients and relays broker events to them.
type Listener struct {
	logger *zap.Logger
	config *ListenerConfig

	connections  map[*connection]struct{}
	connMutex    sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// ServeWebsocket upgrades the request and serves the client until it goes
// away. It can be registered directly with an http.ServeMux.
func (l *Listener) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		l.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
		)
		return
	}

	select {
	case <-l.shutdown:
		l.logger.Debug("Rejecting new connection due to shutdown")
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	default:
	}

	c := newConnection(r.Context(), conn, l.config)
	started := time.Now()

	l.connMutex.Lock()
	l.connections[c] = struct{}{}
	count := len(l.connections)
	l.connMutex.Unlock()

	l.config.metrics.RecordConnectionStart(r.Context(), count)

	l.logger.Debug("Monitor client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("active_connections", count),
	)

	c.start()

	l.connMutex.Lock()
	delete(l.connections, c)
	count = len(l.connections)
	l.connMutex.Unlock()

	l.config.metrics.RecordConnectionEnd(context.WithoutCancel(r.Context()), count, time.Since(started))

	l.logger.Debug("Monitor client gone",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("active_connections", count),
	)
}

// OnBrokerEvent relays ev to every client subscribed to its topic. It never
// blocks; clients that fall behind lose events.
func (l *Listener) OnBrokerEvent(ctx context.Context, ev server.Event) {
	l.publish(ev.Topic, ev)
}

// PublishSnapshot relays a metrics snapshot on SnapshotTopic.
func (l *Listener) PublishSnapshot(ctx context.Context, snapshot o11y.MetricsSnapshot) {
	l.publish(SnapshotTopic, snapshot)
}

// Publish relays arbitrary data on topic, for example broker stats.
func (l *Listener) Publish(topic string, data any) {
	l.publish(topic, data)
}

func (l *Listener) publish(topic string, data any) {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()

	for c := range l.connections {
		c.deliver(topic, data)
	}
}

// Shutdown stops accepting clients, closes the connected ones and waits
// until they are gone or ctx is done.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		close(l.shutdown)

		l.connMutex.RLock()
		connections := make([]*connection, 0, len(l.connections))
		for c := range l.connections {
			connections = append(connections, c)
		}
		l.connMutex.RUnlock()

		l.logger.Info("Closing monitor connections", zap.Int("connection_count", len(connections)))
		for _, c := range connections {
			go c.shutdownClose(websocket.StatusGoingAway, "Server shutting down")
		}
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ConnectionCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			l.logger.Warn("Shutdown timeout reached with active monitor connections",
				zap.Int("remaining_connections", l.ConnectionCount()),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConnectionCount returns the number of connected clients.
func (l *Listener) ConnectionCount() int {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return len(l.connections)
}

func validateFilter(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic filter is required")
	}
	return nil
}

// matches reports whether topic is selected by filter. Named wildcards such
// as "+token" match like "+".
func matches(filter, topic string) bool {
	return mqttpattern.Matches(filter, topic)
}

var (
	_ server.Observer        = (*Listener)(nil)
	_ o11y.SnapshotPublisher = (*Listener)(nil)
)
