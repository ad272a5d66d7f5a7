package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("monitor client is not connected")

// EventHandler receives every event the client is subscribed to. Data is
// the decoded JSON payload.
type EventHandler func(topic string, data any)

// ClientBuilder provides a fluent interface for building a monitor Client.
type ClientBuilder struct {
	url         string
	logger      *zap.Logger
	dialTimeout time.Duration
	handler     EventHandler
}

func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger:      zap.NewNop(),
		dialTimeout: 30 * time.Second,
	}
}

// WithURL sets the ws:// or wss:// URL of the monitor endpoint.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithHandler sets the function events are delivered to.
func (b *ClientBuilder) WithHandler(handler EventHandler) *ClientBuilder {
	b.handler = handler
	return b
}

func (b *ClientBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}
	if b.handler == nil {
		return fmt.Errorf("event handler is required")
	}
	return nil
}

func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	return &Client{
		url:         b.url,
		logger:      b.logger,
		dialTimeout: b.dialTimeout,
		handler:     b.handler,
	}, nil
}

// Client subscribes to a monitor endpoint and hands events to its handler
// on the read goroutine.
type Client struct {
	url         string
	logger      *zap.Logger
	dialTimeout time.Duration
	handler     EventHandler

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	messageID   atomic.Int64
	pendingMu   sync.Mutex
	pendingReqs map[int64]chan WireMessage
}

// Connect dials the endpoint and starts reading.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("monitor client is already connected")
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to monitor: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil

	c.pendingMu.Lock()
	c.pendingReqs = make(map[int64]chan WireMessage)
	c.pendingMu.Unlock()

	c.logger.Info("Monitor client connected", zap.String("url", c.url))
	go c.readLoop(readCtx, conn, c.done)
	return nil
}

// Subscribe adds a topic filter and waits for the server to accept it.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	return c.request(ctx, WireMessage{Kind: MessageKindSubscribe, Topic: topic})
}

func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	return c.request(ctx, WireMessage{Kind: MessageKindUnsubscribe, Topic: topic})
}

func (c *Client) request(ctx context.Context, msg WireMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	id := c.messageID.Add(1)
	msg.Id = id
	ch := make(chan WireMessage, 1)

	c.pendingMu.Lock()
	c.pendingReqs[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingReqs, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Kind == MessageKindNack {
			return fmt.Errorf("request rejected: %s", resp.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the connection ends and returns why. A normal close
// returns nil.
func (c *Client) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return ErrNotConnected
	}

	select {
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection and waits for the reader to stop.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	done := c.done
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	conn.Close(websocket.StatusNormalClosure, "client disconnect")
	cancel()
	<-done

	c.logger.Info("Monitor client disconnected")
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
				c.logger.Warn("Monitor connection lost", zap.Error(err))
			}
			return
		}

		var msg WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Failed to parse monitor message", zap.Error(err))
			continue
		}

		switch msg.Kind {
		case MessageKindAck, MessageKindNack:
			c.handleResponse(msg)
		case MessageKindEvent:
			c.handler(msg.Topic, msg.Data)
		default:
			c.logger.Debug("Ignoring monitor message", zap.String("kind", msg.Kind))
		}
	}
}

func (c *Client) handleResponse(msg WireMessage) {
	// JSON numbers decode as float64
	f, ok := msg.Id.(float64)
	if !ok {
		c.logger.Debug("Response without request id", zap.String("error", msg.Error))
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pendingReqs[int64(f)]
	c.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
}
