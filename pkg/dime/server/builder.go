package server

import (
	"fmt"
	"time"

	"github.com/tsarna/dime/pkg/dime/o11y"
	"github.com/tsarna/dime/pkg/dime/transport"
	"github.com/tsarna/dime/pkg/dime/wire"
	"go.uber.org/zap"
)

// FocusOutPolicy decides which FOCUS_OUT requests clear the active focus.
type FocusOutPolicy int

const (
	// FocusOutUnchecked clears focus whoever asks. This is the historical
	// behaviour and the default.
	FocusOutUnchecked FocusOutPolicy = iota
	// FocusOutHolderOnly ignores FOCUS_OUT unless it comes from the holder.
	FocusOutHolderOnly
)

func (p FocusOutPolicy) String() string {
	switch p {
	case FocusOutUnchecked:
		return "unchecked"
	case FocusOutHolderOnly:
		return "holder-only"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseFocusOutPolicy accepts the names produced by String.
func ParseFocusOutPolicy(s string) (FocusOutPolicy, error) {
	switch s {
	case "", "unchecked":
		return FocusOutUnchecked, nil
	case "holder-only", "holder_only":
		return FocusOutHolderOnly, nil
	default:
		return 0, fmt.Errorf("unknown focus out policy %q", s)
	}
}

// BrokerBuilder provides a fluent interface for creating a Broker.
type BrokerBuilder struct {
	display            string
	opener             transport.Opener
	attr               transport.Attr
	logger             *zap.Logger
	engine             Engine
	tokenBase          uint32
	retryInterval      time.Duration
	focusOutPolicy     FocusOutPolicy
	releaseClearsFocus bool
	focusInKnownOnly   bool
	metricsProvider    o11y.MetricsProvider
	tracingProvider    o11y.TracingProvider
	observer           Observer
}

// NewBroker creates a BrokerBuilder with the defaults.
func NewBroker() *BrokerBuilder {
	return &BrokerBuilder{
		display:       transport.DisplayFromEnv(),
		attr:          transport.DefaultAttr(),
		logger:        zap.NewNop(),
		tokenBase:     DefaultTokenBase,
		retryInterval: time.Millisecond,
	}
}

// WithDisplay sets the session identifier used in queue names.
func (b *BrokerBuilder) WithDisplay(display string) *BrokerBuilder {
	b.display = display
	return b
}

// WithOpener sets where queues come from. Defaults to kernel queues.
func (b *BrokerBuilder) WithOpener(opener transport.Opener) *BrokerBuilder {
	b.opener = opener
	return b
}

// WithAttr sets the queue limits clients must agree on.
func (b *BrokerBuilder) WithAttr(attr transport.Attr) *BrokerBuilder {
	b.attr = attr
	return b
}

func (b *BrokerBuilder) WithLogger(logger *zap.Logger) *BrokerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithEngine sets the engine receiving accepted traffic.
func (b *BrokerBuilder) WithEngine(engine Engine) *BrokerBuilder {
	b.engine = engine
	return b
}

// WithTokenBase sets the first token handed out and the point the counter
// wraps back to.
func (b *BrokerBuilder) WithTokenBase(base uint32) *BrokerBuilder {
	b.tokenBase = base
	return b
}

// WithRetryInterval sets the sleep between sends to a full queue.
func (b *BrokerBuilder) WithRetryInterval(interval time.Duration) *BrokerBuilder {
	b.retryInterval = interval
	return b
}

func (b *BrokerBuilder) WithFocusOutPolicy(policy FocusOutPolicy) *BrokerBuilder {
	b.focusOutPolicy = policy
	return b
}

// WithReleaseClearsFocus makes releasing the active token clear the focus.
// By default the focus is left pointing at the released token.
func (b *BrokerBuilder) WithReleaseClearsFocus(clear bool) *BrokerBuilder {
	b.releaseClearsFocus = clear
	return b
}

// WithFocusInKnownOnly makes FOCUS_IN for a token that is not registered
// a dropped message. By default any token takes the focus.
func (b *BrokerBuilder) WithFocusInKnownOnly(knownOnly bool) *BrokerBuilder {
	b.focusInKnownOnly = knownOnly
	return b
}

func (b *BrokerBuilder) WithMetrics(provider o11y.MetricsProvider) *BrokerBuilder {
	b.metricsProvider = provider
	return b
}

func (b *BrokerBuilder) WithTracing(provider o11y.TracingProvider) *BrokerBuilder {
	b.tracingProvider = provider
	return b
}

// WithObserver sets a listener for broker events, such as the monitor.
func (b *BrokerBuilder) WithObserver(observer Observer) *BrokerBuilder {
	b.observer = observer
	return b
}

// IsValid validates the builder configuration and returns an error if invalid
func (b *BrokerBuilder) IsValid() error {
	if b.display == "" {
		return fmt.Errorf("display is required")
	}

	if err := b.attr.IsValid(); err != nil {
		return err
	}

	// Every record plus a useful amount of text has to fit.
	if b.attr.MaxMsgSize < wire.SizeOf(wire.TypeAcquireToken) {
		return fmt.Errorf("max message size %d is smaller than the largest fixed record", b.attr.MaxMsgSize)
	}

	if b.tokenBase == 0 {
		return fmt.Errorf("token base must be non-zero")
	}

	if b.retryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive, got %s", b.retryInterval)
	}

	if b.focusOutPolicy != FocusOutUnchecked && b.focusOutPolicy != FocusOutHolderOnly {
		return fmt.Errorf("invalid focus out policy %s", b.focusOutPolicy)
	}

	return nil
}

// Build opens (creating if needed) the broker's well-known queue and returns
// the broker. The queue's limits must match the configured ones.
func (b *BrokerBuilder) Build() (*Broker, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	opener := b.opener
	if opener == nil {
		opener = transport.NewPOSIX()
	}

	engine := b.engine
	if engine == nil {
		engine = nopEngine{}
	}

	name := transport.ServerQueueName(b.display)
	q, err := opener.Open(name, transport.ModeRead, b.attr)
	if err != nil {
		return nil, fmt.Errorf("failed to open broker queue: %w", err)
	}

	broker := &Broker{
		display:            b.display,
		opener:             opener,
		attr:               b.attr,
		logger:             b.logger,
		engine:             engine,
		retryInterval:      b.retryInterval,
		focusOutPolicy:     b.focusOutPolicy,
		releaseClearsFocus: b.releaseClearsFocus,
		focusInKnownOnly:   b.focusInKnownOnly,
		metrics:            NewBrokerMetrics(b.metricsProvider),
		tracing:            b.tracingProvider,
		observer:           b.observer,
		queue:              q,
		codec:              wire.NewCodec(b.attr.MaxMsgSize),
		reg:                newRegistry(b.tokenBase),
	}
	broker.handlers = broker.handlerTable()

	b.logger.Info("Broker queue open",
		zap.String("queue", name),
		zap.Int("maxMsgSize", b.attr.MaxMsgSize),
		zap.Int("maxDepth", b.attr.MaxDepth),
	)

	return broker, nil
}
