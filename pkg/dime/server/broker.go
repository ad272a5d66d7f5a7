// Package server implements the dime broker: it owns the well-known request
// queue, hands out session tokens, arbitrates keyboard focus and routes
// accepted traffic to an Engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsarna/dime/pkg/dime/o11y"
	"github.com/tsarna/dime/pkg/dime/transport"
	"github.com/tsarna/dime/pkg/dime/wire"
	"go.uber.org/zap"
)

var (
	ErrUnknownToken        = errors.New("unknown token")
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrTokenSpaceExhausted = errors.New("token space exhausted")
	ErrBrokerClosed        = errors.New("broker is closed")
)

type handlerFunc func(ctx context.Context, m wire.Message) error

// Broker serves one display. All handlers run on the goroutine calling Serve
// or Pump; the registry mutex is held only around map access so that Send,
// Stats and friends are safe from other goroutines and from engine callbacks.
type Broker struct {
	display            string
	opener             transport.Opener
	attr               transport.Attr
	logger             *zap.Logger
	engine             Engine
	retryInterval      time.Duration
	focusOutPolicy     FocusOutPolicy
	releaseClearsFocus bool
	focusInKnownOnly   bool
	metrics            *BrokerMetrics
	tracing            o11y.TracingProvider
	observer           Observer

	queue    transport.Queue
	codec    *wire.Codec
	handlers [wire.NumTypes]handlerFunc

	mu  sync.Mutex
	reg *registry

	serving atomic.Bool
	closed  atomic.Bool
}

// QueueName returns the name of the well-known request queue.
func (b *Broker) QueueName() string {
	return b.queue.Name()
}

// Serve runs the event loop until ctx is done or the broker is closed. It
// returns nil on either; a failing receive is returned as an error.
func (b *Broker) Serve(ctx context.Context) error {
	if !b.serving.CompareAndSwap(false, true) {
		return fmt.Errorf("broker is already serving")
	}
	defer b.serving.Store(false)

	b.logger.Info("Broker started", zap.String("queue", b.queue.Name()))
	defer b.logger.Info("Broker stopped")

	for {
		if ctx.Err() != nil || b.closed.Load() {
			return nil
		}

		handled, err := b.Pump(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, ErrBrokerClosed) {
				return nil
			}
			b.logger.Error("Broker receive failed", zap.Error(err))
			return err
		}
		if handled {
			continue
		}

		if _, err := b.queue.Wait(ctx, 0); err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// Pump receives and handles at most one message without blocking. It
// reports whether a message was taken off the queue. Messages that cannot be
// decoded are logged and dropped.
func (b *Broker) Pump(ctx context.Context) (bool, error) {
	if b.closed.Load() {
		return false, ErrBrokerClosed
	}

	m, err := b.codec.Receive(b.queue)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrWouldBlock):
		return false, nil
	case errors.Is(err, wire.ErrUnknownType), errors.Is(err, wire.ErrShortMessage):
		b.logger.Warn("Dropping malformed message", zap.Error(err))
		b.metrics.RecordMessageError(ctx, "decode", "")
		return true, nil
	default:
		b.metrics.RecordMessageError(ctx, "receive", "")
		return false, fmt.Errorf("receive on %s: %w", b.queue.Name(), err)
	}

	b.dispatch(ctx, m)
	return true, nil
}

func (b *Broker) dispatch(ctx context.Context, m wire.Message) {
	typ := m.Type()
	done := b.metrics.RecordDispatch(ctx, typ.String())

	var span o11y.Span
	if b.tracing != nil {
		ctx, span = b.tracing.StartSpan(ctx, "dime.broker.dispatch")
		span.SetAttributes(
			o11y.Label{Key: "type", Value: typ.String()},
			o11y.Label{Key: "token", Value: fmt.Sprint(m.TokenOf())},
		)
	}

	b.logger.Debug("Broker received message",
		zap.Stringer("type", typ),
		zap.Uint32("token", m.TokenOf()),
		zap.Uint32("seq", m.Hdr().Seq),
	)

	var err error
	if h := b.handlers[typ]; h != nil {
		err = h(ctx, m)
	} else {
		b.logger.Info("Ignoring unhandled message type", zap.Stringer("type", typ))
	}

	if err != nil {
		if errors.Is(err, ErrUnknownToken) || errors.Is(err, ErrUnknownConnection) {
			b.logger.Warn("Dropping message", zap.Stringer("type", typ), zap.Error(err))
		} else {
			b.logger.Error("Error handling message", zap.Stringer("type", typ), zap.Error(err))
		}
	}
	done(err)

	if span != nil {
		if err != nil {
			span.SetStatus(o11y.SpanStatusError, err.Error())
		} else {
			span.SetStatus(o11y.SpanStatusOK, "")
		}
		span.End()
	}
}

// reply sends a direct response on a connection queue, waiting out
// backpressure.
func (b *Broker) reply(ctx context.Context, q transport.Queue, m wire.Message) error {
	retries, err := b.codec.SendRetry(ctx, q, m, b.retryInterval)
	if err != nil {
		b.metrics.RecordMessageError(ctx, "send", m.Type().String())
		return fmt.Errorf("send %s on %s: %w", m.Type(), q.Name(), err)
	}
	b.metrics.RecordMessageSent(ctx, m.Type().String(), retries)
	return nil
}

// Close closes every queue and unlinks the broker queue. Connection queues
// belong to their clients and are left in place.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	b.mu.Lock()
	for id, q := range b.reg.connections {
		if err := q.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection %d: %w", id, err))
		}
	}
	b.reg.connections = make(map[int32]transport.Queue)
	b.mu.Unlock()

	if err := b.queue.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		errs = append(errs, err)
	}
	if err := b.opener.Unlink(b.queue.Name()); err != nil {
		errs = append(errs, err)
	}

	b.logger.Info("Broker closed", zap.String("queue", b.queue.Name()))
	return errors.Join(errs...)
}

// Active returns the current focus holder.
func (b *Broker) Active() ActiveFocus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reg.active
}

// Stats returns a snapshot of the registry.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reg.stats()
}

// Owner returns the connection owning token.
func (b *Broker) Owner(token uint32) (int32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.reg.tokens[token]
	return id, ok
}
