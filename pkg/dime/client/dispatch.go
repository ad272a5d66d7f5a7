package client

import (
	"context"
	"fmt"

	"github.com/tsarna/dime/pkg/dime/wire"
	"go.uber.org/zap"
)

func handle[T wire.Message](f func(context.Context, T) error) clientHandler {
	return func(ctx context.Context, m wire.Message) error {
		return f(ctx, m.(T))
	}
}

func (c *Connection) handlerTable() [wire.NumTypes]clientHandler {
	var t [wire.NumTypes]clientHandler
	t[wire.TypeConnect] = handle(c.handleConnect)
	t[wire.TypeAcquireToken] = handle(c.handleAcquireToken)
	t[wire.TypeCommit] = handle(c.handleCommit)
	t[wire.TypePreedit] = handle(c.handlePreedit)
	t[wire.TypePreeditClear] = handle(c.handlePreeditClear)
	t[wire.TypeForward] = handle(c.handleForward)
	t[wire.TypeEnable] = handle(c.handleEnable)
	t[wire.TypeInputFeedback] = handle(c.handleInputFeedback)
	return t
}

func (c *Connection) dispatch(ctx context.Context, m wire.Message) {
	typ := m.Type()
	c.logger.Debug("Client received message",
		zap.Stringer("type", typ),
		zap.Uint32("token", m.TokenOf()),
		zap.Uint32("seq", m.Hdr().Seq),
	)

	h := c.handlers[typ]
	if h == nil {
		c.logger.Info("Ignoring unexpected message type", zap.Stringer("type", typ))
		return
	}

	if err := h(ctx, m); err != nil {
		c.logger.Warn("Dropping message", zap.Stringer("type", typ), zap.Error(err))
	}
}

// handleByToken finds the handle a pushed message is addressed to.
func (c *Connection) handleByToken(token uint32) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.handles[token]
	if !ok {
		return nil, fmt.Errorf("no handle for token %d", token)
	}
	return h, nil
}

// complete hands a reply to the synchronous caller waiting on its sequence
// number. It reports false when nobody is waiting.
func (c *Connection) complete(m wire.Message) bool {
	seq := m.Hdr().Seq
	if seq == 0 {
		return false
	}

	c.mu.Lock()
	w, ok := c.waiters[seq]
	if ok {
		delete(c.waiters, seq)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	w.reply = m
	close(w.done)
	return true
}

func (c *Connection) handleConnect(ctx context.Context, m *wire.Connect) error {
	if m.ID != c.id {
		return fmt.Errorf("%w: CONNECT for connection %d, expected %d", ErrProtocol, m.ID, c.id)
	}

	c.mu.Lock()
	upgraded := c.state == StateHandshake
	if upgraded {
		c.state = StateEstablished
	}
	c.mu.Unlock()

	if upgraded {
		c.logger.Info("Connection established")
	} else {
		c.logger.Debug("Duplicate CONNECT reply ignored")
	}
	return nil
}

// handleAcquireToken installs the token into the handle whose outband id
// the broker echoed. Token 0 means the broker could not allocate one.
func (c *Connection) handleAcquireToken(ctx context.Context, m *wire.AcquireToken) error {
	c.mu.Lock()
	h, ok := c.pendingTokens[m.Outband]
	if ok {
		delete(c.pendingTokens, m.Outband)
		if m.Token != 0 {
			c.handles[m.Token] = h
		}
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: ACQUIRE_TOKEN reply for unknown outband %d", ErrProtocol, m.Outband)
	}

	if m.Token == 0 {
		h.fail(fmt.Errorf("broker refused token: %w", ErrNoToken))
		return nil
	}

	h.install(m.Token)
	c.logger.Info("Acquired token", zap.Uint32("token", m.Token), zap.Uint64("outband", m.Outband))
	return nil
}

func (c *Connection) handleCommit(ctx context.Context, m *wire.Commit) error {
	h, err := c.handleByToken(m.Token)
	if err != nil {
		return err
	}
	if cb := h.getCallbacks().OnCommit; cb != nil {
		cb(h, string(m.Text))
	}
	return nil
}

func (c *Connection) handlePreedit(ctx context.Context, m *wire.Preedit) error {
	h, err := c.handleByToken(m.Token)
	if err != nil {
		return err
	}
	if cb := h.getCallbacks().OnPreedit; cb != nil {
		cb(h, string(m.Text))
	}
	return nil
}

func (c *Connection) handlePreeditClear(ctx context.Context, m *wire.PreeditClear) error {
	h, err := c.handleByToken(m.Token)
	if err != nil {
		return err
	}
	if cb := h.getCallbacks().OnPreeditClear; cb != nil {
		cb(h)
	}
	return nil
}

func (c *Connection) handleForward(ctx context.Context, m *wire.Forward) error {
	h, err := c.handleByToken(m.Token)
	if err != nil {
		return err
	}
	if cb := h.getCallbacks().OnForward; cb != nil {
		cb(h, m.Key)
	}
	return nil
}

func (c *Connection) handleEnable(ctx context.Context, m *wire.Enable) error {
	h, err := c.handleByToken(m.Token)
	if err != nil {
		return err
	}
	h.setEnabled(m.Val)
	if cb := h.getCallbacks().OnEnable; cb != nil {
		cb(h, m.Val)
	}
	return nil
}

// handleInputFeedback completes a synchronous Key. Feedback for
// asynchronous keys is acknowledged and discarded.
func (c *Connection) handleInputFeedback(ctx context.Context, m *wire.InputFeedback) error {
	if !c.complete(m) {
		c.logger.Debug("Input acknowledged", zap.Uint32("token", m.Token), zap.Uint32("time", m.Time))
	}
	return nil
}
