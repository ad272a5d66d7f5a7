package server

import (
	"context"
	"fmt"

	"github.com/tsarna/dime/pkg/dime/transport"
	"github.com/tsarna/dime/pkg/dime/wire"
	"go.uber.org/zap"
)

// handle adapts a typed handler to the table. Decode guarantees the
// concrete type matches the table slot.
func handle[T wire.Message](f func(context.Context, T) error) handlerFunc {
	return func(ctx context.Context, m wire.Message) error {
		return f(ctx, m.(T))
	}
}

func (b *Broker) handlerTable() [wire.NumTypes]handlerFunc {
	var t [wire.NumTypes]handlerFunc
	t[wire.TypeConnect] = handle(b.handleConnect)
	t[wire.TypeAcquireToken] = handle(b.handleAcquireToken)
	t[wire.TypeReleaseToken] = handle(b.handleReleaseToken)
	t[wire.TypeEnable] = handle(b.handleEnable)
	t[wire.TypeFocusIn] = handle(b.handleFocusIn)
	t[wire.TypeFocusOut] = handle(b.handleFocusOut)
	t[wire.TypeInput] = handle(b.handleInput)
	t[wire.TypeCursor] = handle(b.handleCursor)
	t[wire.TypeAddIC] = b.handleIC
	t[wire.TypeDelIC] = b.handleIC
	return t
}

// handleConnect opens the reply queue of a connection and confirms the
// handshake. A repeated CONNECT from the same id re-opens the queue by name,
// so a restarted process that recreated its queue is reached again.
func (b *Broker) handleConnect(ctx context.Context, m *wire.Connect) error {
	name := transport.ConnectionQueueName(b.display, int(m.ID))
	q, err := b.opener.Open(name, transport.ModeWrite, b.attr)
	if err != nil {
		return fmt.Errorf("open reply queue for connection %d: %w", m.ID, err)
	}

	b.mu.Lock()
	old, known := b.reg.connections[m.ID]
	b.reg.connections[m.ID] = q
	stats := b.reg.stats()
	b.mu.Unlock()

	if known {
		old.Close()
	}

	b.metrics.RecordRegistry(ctx, stats.Connections, stats.Tokens)
	b.logger.Info("Connection established",
		zap.Int32("connection", m.ID),
		zap.String("queue", name),
		zap.Bool("reconnect", known),
	)

	err = b.reply(ctx, q, &wire.Connect{Header: wire.Header{Seq: m.Seq}, ID: m.ID})

	ev := newEvent(fmt.Sprintf("connection/%d", m.ID), wire.TypeConnect.String(), 0)
	ev.Connection = m.ID
	b.notify(ctx, ev)
	return err
}

// handleAcquireToken allocates a token and echoes the request back with the
// token filled in. When the token space is exhausted the reply carries
// token 0 so the client can fail the pending request.
func (b *Broker) handleAcquireToken(ctx context.Context, m *wire.AcquireToken) error {
	b.mu.Lock()
	q, ok := b.reg.connections[m.ID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("acquire token for connection %d: %w", m.ID, ErrUnknownConnection)
	}
	token, allocErr := b.reg.allocate()
	if allocErr == nil {
		b.reg.tokens[token] = m.ID
	}
	stats := b.reg.stats()
	b.mu.Unlock()

	b.metrics.RecordAcquire(ctx, allocErr)
	b.metrics.RecordRegistry(ctx, stats.Connections, stats.Tokens)

	resp := &wire.AcquireToken{
		Header:  wire.Header{Seq: m.Seq},
		ID:      m.ID,
		Token:   token,
		Outband: m.Outband,
	}
	err := b.reply(ctx, q, resp)

	if allocErr != nil {
		return fmt.Errorf("acquire token for connection %d: %w", m.ID, allocErr)
	}

	b.logger.Debug("Token acquired", zap.Int32("connection", m.ID), zap.Uint32("token", token))

	ev := newEvent(tokenTopic("token/acquire", token), wire.TypeAcquireToken.String(), token)
	ev.Connection = m.ID
	b.notify(ctx, ev)
	return err
}

func (b *Broker) handleReleaseToken(ctx context.Context, m *wire.ReleaseToken) error {
	b.mu.Lock()
	owner, ok := b.reg.tokens[m.Token]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("release token %d: %w", m.Token, ErrUnknownToken)
	}
	delete(b.reg.tokens, m.Token)

	cleared := false
	if b.reg.active.Token == m.Token && b.releaseClearsFocus {
		b.reg.active = ActiveFocus{}
		cleared = true
	}
	stats := b.reg.stats()
	b.mu.Unlock()

	if owner != m.ID {
		b.logger.Warn("Token released by a connection that does not own it",
			zap.Uint32("token", m.Token),
			zap.Int32("owner", owner),
			zap.Int32("connection", m.ID),
		)
	}

	b.metrics.RecordRelease(ctx)
	b.metrics.RecordRegistry(ctx, stats.Connections, stats.Tokens)
	b.logger.Debug("Token released", zap.Uint32("token", m.Token), zap.Bool("clearedFocus", cleared))

	if cleared {
		b.metrics.RecordFocus(ctx, "out")
		b.engine.OnFocus(ctx, b, m.Token, false)
	}

	ev := newEvent(tokenTopic("token/release", m.Token), wire.TypeReleaseToken.String(), m.Token)
	ev.Connection = owner
	b.notify(ctx, ev)
	return nil
}

// handleEnable lets an idle broker adopt the requester as the active token.
// Only a request from the current holder changes the enabled flag. The
// engine hears about every ENABLE from a known token.
func (b *Broker) handleEnable(ctx context.Context, m *wire.Enable) error {
	b.mu.Lock()
	if _, ok := b.reg.tokens[m.Token]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("enable token %d: %w", m.Token, ErrUnknownToken)
	}
	if b.reg.active.Token == 0 {
		b.reg.active = ActiveFocus{Token: m.Token}
	} else if b.reg.active.Token == m.Token {
		b.reg.active.Enabled = m.Val
	}
	active := b.reg.active
	b.mu.Unlock()

	b.logger.Debug("Enable",
		zap.Uint32("token", m.Token),
		zap.Bool("value", m.Val),
		zap.Uint32("active", active.Token),
		zap.Bool("activeEnabled", active.Enabled),
	)

	b.engine.OnEnable(ctx, b, m.Token, m.Val)

	ev := newEvent(tokenTopic("enable", m.Token), wire.TypeEnable.String(), m.Token)
	ev.Value = m.Val
	b.notify(ctx, ev)
	return nil
}

// handleFocusIn moves focus to the requester, registered or not unless
// focusInKnownOnly is set. The previous holder is not told.
func (b *Broker) handleFocusIn(ctx context.Context, m *wire.FocusIn) error {
	b.mu.Lock()
	if _, ok := b.reg.tokens[m.Token]; !ok && b.focusInKnownOnly {
		b.mu.Unlock()
		return fmt.Errorf("focus in token %d: %w", m.Token, ErrUnknownToken)
	}
	previous := b.reg.active.Token
	b.reg.active = ActiveFocus{Token: m.Token}
	b.mu.Unlock()

	b.metrics.RecordFocus(ctx, "in")
	b.logger.Debug("Focus in", zap.Uint32("token", m.Token), zap.Uint32("previous", previous))

	b.engine.OnFocus(ctx, b, m.Token, true)

	ev := newEvent(tokenTopic("focus/in", m.Token), wire.TypeFocusIn.String(), m.Token)
	ev.Value = true
	b.notify(ctx, ev)
	return nil
}

// handleFocusOut clears the focus according to the configured policy. When
// focus is cleared the engine is told which token lost it.
func (b *Broker) handleFocusOut(ctx context.Context, m *wire.FocusOut) error {
	b.mu.Lock()
	holder := b.reg.active.Token
	release := holder != 0
	if b.focusOutPolicy == FocusOutHolderOnly && holder != m.Token {
		release = false
	}
	if release {
		b.reg.active.Token = 0
	}
	b.mu.Unlock()

	if !release {
		b.logger.Debug("Focus out ignored",
			zap.Uint32("token", m.Token),
			zap.Uint32("holder", holder),
			zap.Stringer("policy", b.focusOutPolicy),
		)
		return nil
	}

	if holder != m.Token {
		b.logger.Debug("Focus cleared by a token that did not hold it",
			zap.Uint32("token", m.Token),
			zap.Uint32("holder", holder),
		)
	}

	b.metrics.RecordFocus(ctx, "out")
	b.engine.OnFocus(ctx, b, holder, false)

	ev := newEvent(tokenTopic("focus/out", holder), wire.TypeFocusOut.String(), holder)
	b.notify(ctx, ev)
	return nil
}

// handleInput acknowledges every key to its sender, then forwards it to the
// engine only if the token holds focus.
func (b *Broker) handleInput(ctx context.Context, m *wire.Input) error {
	b.mu.Lock()
	id, q, err := b.reg.owner(m.Token)
	active := b.reg.active
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("input from token %d: %w", m.Token, err)
	}

	fb := &wire.InputFeedback{
		Header: wire.Header{Seq: m.Seq},
		Token:  m.Token,
		Time:   m.Time,
		Result: 1,
	}
	err = b.reply(ctx, q, fb)

	forwarded := m.Token == active.Token
	b.metrics.RecordInput(ctx, forwarded)
	if forwarded {
		b.engine.OnInput(ctx, b, m.Token, m.Key, m.Time)
	}

	ev := newEvent(tokenTopic("input", m.Token), wire.TypeInput.String(), m.Token)
	ev.Connection = id
	ev.Key = m.Key
	ev.Value = forwarded
	b.notify(ctx, ev)
	return err
}

func (b *Broker) handleCursor(ctx context.Context, m *wire.Cursor) error {
	b.mu.Lock()
	_, ok := b.reg.tokens[m.Token]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("cursor for token %d: %w", m.Token, ErrUnknownToken)
	}

	b.engine.OnCursor(ctx, b, m.Token, m.Rect)
	return nil
}

func (b *Broker) handleIC(ctx context.Context, m wire.Message) error {
	b.logger.Debug("Input context message ignored", zap.Stringer("type", m.Type()), zap.Uint32("token", m.TokenOf()))
	return nil
}
