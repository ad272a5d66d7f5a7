package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/tsarna/dime/pkg/dime/wire"
	"go.uber.org/zap"
)

// Send pushes m to the connection owning token. The message is encoded into
// the broker's send scratch, so COMMIT and PREEDIT text is copied and the
// caller may reuse it once Send returns. A full client queue is retried
// until it drains or ctx is done; there is no other timeout.
func (b *Broker) Send(ctx context.Context, token uint32, flags wire.Flags, m wire.Message) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}

	b.mu.Lock()
	id, q, err := b.reg.owner(token)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s to token %d: %w", m.Type(), token, err)
	}

	m.Hdr().Flags = flags

	retries, err := b.codec.SendRetry(ctx, q, m, b.retryInterval)
	if err != nil {
		b.metrics.RecordMessageError(ctx, "send", m.Type().String())
		b.logger.Error("Push failed",
			zap.Stringer("type", m.Type()),
			zap.Uint32("token", token),
			zap.Error(err),
		)
		return fmt.Errorf("send %s to token %d: %w", m.Type(), token, err)
	}
	b.metrics.RecordMessageSent(ctx, m.Type().String(), retries)

	if retries > 0 {
		b.logger.Debug("Push waited for queue space",
			zap.Stringer("type", m.Type()),
			zap.Uint32("token", token),
			zap.Int("retries", retries),
		)
	}

	ev := newEvent(tokenTopic("push/"+strings.ToLower(m.Type().String()), token), m.Type().String(), token)
	ev.Connection = id
	switch m := m.(type) {
	case *wire.Commit:
		ev.Text = string(m.Text)
	case *wire.Preedit:
		ev.Text = string(m.Text)
	case *wire.Forward:
		ev.Key = m.Key
	case *wire.Enable:
		ev.Value = m.Val
	}
	b.notify(ctx, ev)
	return nil
}

// Commit pushes converted text to token.
func (b *Broker) Commit(ctx context.Context, token uint32, text string) error {
	return b.Send(ctx, token, 0, &wire.Commit{Token: token, Text: []byte(text)})
}

// Preedit replaces the composition shown by token.
func (b *Broker) Preedit(ctx context.Context, token uint32, text string) error {
	return b.Send(ctx, token, 0, &wire.Preedit{Token: token, Text: []byte(text)})
}

func (b *Broker) PreeditClear(ctx context.Context, token uint32) error {
	return b.Send(ctx, token, 0, &wire.PreeditClear{Token: token})
}

// Forward returns a key the engine did not consume.
func (b *Broker) Forward(ctx context.Context, token uint32, key int32) error {
	return b.Send(ctx, token, 0, &wire.Forward{Token: token, Key: key})
}

// SendEnable tells token that conversion was switched on or off.
func (b *Broker) SendEnable(ctx context.Context, token uint32, enabled bool) error {
	return b.Send(ctx, token, 0, &wire.Enable{Token: token, Val: enabled})
}
