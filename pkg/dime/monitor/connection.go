package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const maxRequestSize = 4096

// connection is one monitor client. Writes are serialized through the
// sender goroutine; deliver only enqueues.
type connection struct {
	ctx     context.Context
	conn    *websocket.Conn
	logger  *zap.Logger
	config  *ListenerConfig
	metrics *Metrics

	subMu   sync.RWMutex
	filters map[string]struct{}

	outbound    chan WireMessage
	done        chan struct{}
	cleanupOnce sync.Once
}

func newConnection(ctx context.Context, conn *websocket.Conn, config *ListenerConfig) *connection {
	c := &connection{
		ctx:      ctx,
		conn:     conn,
		logger:   config.logger,
		config:   config,
		metrics:  config.metrics,
		filters:  make(map[string]struct{}),
		outbound: make(chan WireMessage, config.queueSize),
		done:     make(chan struct{}),
	}
	for _, topic := range config.initialSubscriptions {
		c.filters[topic] = struct{}{}
	}
	return c
}

// start serves the connection and returns when it is closed.
func (c *connection) start() {
	go c.messageSender()
	c.messageReader()
	c.cleanup()
}

func (c *connection) subscribed(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for filter := range c.filters {
		if matches(filter, topic) {
			return true
		}
	}
	return false
}

func (c *connection) deliver(topic string, data any) {
	if !c.subscribed(topic) {
		return
	}
	c.enqueue(WireMessage{Topic: topic, Data: data})
}

func (c *connection) enqueue(msg WireMessage) {
	select {
	case <-c.done:
	case c.outbound <- msg:
	default:
		c.metrics.RecordMessageDropped(c.ctx, kindLabel(msg.Kind))
		c.logger.Warn("Outbound channel full, dropping monitor message", zap.String("topic", msg.Topic))
	}
}

func (c *connection) messageSender() {
	var pingChan <-chan time.Time
	if c.config.pingInterval > 0 {
		ticker := time.NewTicker(c.config.pingInterval)
		defer ticker.Stop()
		pingChan = ticker.C
	}

	for {
		select {
		case msg := <-c.outbound:
			if err := c.write(msg); err != nil {
				c.logger.Debug("Failed to send monitor message", zap.Error(err), zap.String("topic", msg.Topic))
				if websocket.CloseStatus(err) != -1 {
					return
				}
			}

		case <-pingChan:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("Ping failed", zap.Error(err))
				return
			}
			c.metrics.RecordPingSent(c.ctx)

		case <-c.done:
			return

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *connection) write(msg WireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, c.config.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return err
	}

	c.metrics.RecordMessageSent(c.ctx, len(data), kindLabel(msg.Kind))
	return nil
}

func kindLabel(kind string) string {
	switch kind {
	case MessageKindEvent:
		return "event"
	case MessageKindAck:
		return "ack"
	case MessageKindNack:
		return "nack"
	case MessageKindSubscribe:
		return "subscribe"
	case MessageKindUnsubscribe:
		return "unsubscribe"
	}
	return kind
}

func (c *connection) messageReader() {
	c.conn.SetReadLimit(maxRequestSize)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Debug("Monitor client closed connection", zap.Int("close_status", int(status)))
			} else if c.ctx.Err() == nil {
				c.logger.Debug("Failed to read monitor request", zap.Error(err))
			}
			return
		}

		var request WireMessage
		if err := json.Unmarshal(data, &request); err != nil {
			c.logger.Warn("Failed to parse monitor request", zap.Error(err), zap.Int("data_length", len(data)))
			c.enqueue(WireMessage{Kind: MessageKindNack, Error: "Invalid JSON format"})
			continue
		}

		c.handleRequest(request)
	}
}

func (c *connection) handleRequest(request WireMessage) {
	var err error

	switch request.Kind {
	case MessageKindSubscribe:
		if err = validateFilter(request.Topic); err == nil {
			c.subMu.Lock()
			c.filters[request.Topic] = struct{}{}
			c.subMu.Unlock()
		}
	case MessageKindUnsubscribe:
		c.subMu.Lock()
		delete(c.filters, request.Topic)
		c.subMu.Unlock()
	default:
		err = fmt.Errorf("unsupported request type: %q", request.Kind)
	}

	c.metrics.RecordRequest(c.ctx, kindLabel(request.Kind), err)

	c.logger.Debug("Monitor request",
		zap.String("kind", request.Kind),
		zap.String("topic", request.Topic),
		zap.Error(err),
	)

	response := WireMessage{Kind: MessageKindAck, Id: request.Id}
	if err != nil {
		response.Kind = MessageKindNack
		response.Error = err.Error()
	}
	c.enqueue(response)
}

func (c *connection) cleanup() {
	c.cleanupOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(websocket.StatusNormalClosure, "Connection closed"); err != nil {
			c.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
		}
	})
}

func (c *connection) shutdownClose(code websocket.StatusCode, reason string) {
	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("Error closing WebSocket during shutdown", zap.Error(err))
	}
}
