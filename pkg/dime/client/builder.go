package client

import (
	"fmt"
	"os"
	"time"

	"github.com/tsarna/dime/pkg/dime/transport"
	"github.com/tsarna/dime/pkg/dime/wire"
	"go.uber.org/zap"
)

// ConnectionBuilder provides a fluent interface for building a Connection.
type ConnectionBuilder struct {
	display       string
	id            int32
	opener        transport.Opener
	attr          transport.Attr
	logger        *zap.Logger
	retryInterval time.Duration
	handshakeWait time.Duration
}

// NewConnection creates a builder identified by the current process id on
// the display named by $DISPLAY.
func NewConnection() *ConnectionBuilder {
	return &ConnectionBuilder{
		display:       transport.DisplayFromEnv(),
		id:            int32(os.Getpid()),
		attr:          transport.DefaultAttr(),
		logger:        zap.NewNop(),
		retryInterval: 10 * time.Millisecond,
	}
}

// WithDisplay sets the session identifier used in queue names.
func (b *ConnectionBuilder) WithDisplay(display string) *ConnectionBuilder {
	b.display = display
	return b
}

// WithID overrides the connection id, which defaults to the process id.
func (b *ConnectionBuilder) WithID(id int32) *ConnectionBuilder {
	b.id = id
	return b
}

// WithOpener sets where queues come from. Defaults to kernel queues.
func (b *ConnectionBuilder) WithOpener(opener transport.Opener) *ConnectionBuilder {
	b.opener = opener
	return b
}

// WithAttr sets the queue limits; they must match the broker's.
func (b *ConnectionBuilder) WithAttr(attr transport.Attr) *ConnectionBuilder {
	b.attr = attr
	return b
}

func (b *ConnectionBuilder) WithLogger(logger *zap.Logger) *ConnectionBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithRetryInterval sets how long a waiting caller sleeps between polls and
// between sends to a full queue.
func (b *ConnectionBuilder) WithRetryInterval(interval time.Duration) *ConnectionBuilder {
	if interval > 0 {
		b.retryInterval = interval
	}
	return b
}

// WithHandshakeWait lets Connect wait up to d for the broker to confirm.
// Zero, the default, polls exactly once.
func (b *ConnectionBuilder) WithHandshakeWait(d time.Duration) *ConnectionBuilder {
	b.handshakeWait = d
	return b
}

// IsValid checks that all required configuration is present.
func (b *ConnectionBuilder) IsValid() error {
	if b.display == "" {
		return fmt.Errorf("display is required")
	}

	if b.id <= 0 {
		return fmt.Errorf("connection id must be positive, got %d", b.id)
	}

	if err := b.attr.IsValid(); err != nil {
		return err
	}

	if b.attr.MaxMsgSize < wire.SizeOf(wire.TypeAcquireToken) {
		return fmt.Errorf("max message size %d is smaller than the largest fixed record", b.attr.MaxMsgSize)
	}

	if b.handshakeWait < 0 {
		return fmt.Errorf("handshake wait must not be negative, got %s", b.handshakeWait)
	}

	return nil
}

// Build creates the connection. No I/O happens until Connect.
func (b *ConnectionBuilder) Build() (*Connection, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	opener := b.opener
	if opener == nil {
		opener = transport.NewPOSIX()
	}

	c := &Connection{
		display:       b.display,
		id:            b.id,
		opener:        opener,
		attr:          b.attr,
		logger:        b.logger.With(zap.Int32("connection", b.id)),
		retryInterval: b.retryInterval,
		handshakeWait: b.handshakeWait,
		codec:         wire.NewCodec(b.attr.MaxMsgSize),
		handles:       make(map[uint32]*Handle),
		pendingTokens: make(map[uint64]*Handle),
		waiters:       make(map[uint32]*waiter),
	}
	c.handlers = c.handlerTable()

	return c, nil
}
