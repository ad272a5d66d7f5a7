// Package client is the dime client library. A Connection is one process's
// link to the broker; it hosts any number of Handles, one per input context.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsarna/dime/pkg/dime/transport"
	"github.com/tsarna/dime/pkg/dime/wire"
	"go.uber.org/zap"
)

var (
	ErrNotEstablished = errors.New("connection not established")
	ErrNoToken        = errors.New("handle has no token")
	ErrReleased       = errors.New("handle has been released")
	ErrProtocol       = errors.New("protocol violation")
	ErrDisconnected   = errors.New("connection closed")
	ErrSyncInFlight   = errors.New("synchronous call already in flight on handle")
	ErrNoReply        = errors.New("message type has no reply")
	ErrAlreadyRunning = errors.New("dispatch loop already running")
	ErrBrokerAbsent   = errors.New("broker queue is full and not being drained")
)

// State is the handshake state of a Connection.
type State int32

const (
	StateInitialized State = iota
	StateHandshake
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateHandshake:
		return "handshake"
	case StateEstablished:
		return "established"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// runPollInterval bounds how long Run waits on the queue before checking
// whether the connection was closed underneath it.
const runPollInterval = 100 * time.Millisecond

type waiter struct {
	reply wire.Message
	err   error
	done  chan struct{}
}

type clientHandler func(ctx context.Context, m wire.Message) error

// Connection is safe for use from multiple goroutines. Inbound messages are
// dispatched by Run, or by Pump when no loop is running; callbacks run on
// whichever goroutine dispatched them.
type Connection struct {
	display       string
	id            int32
	opener        transport.Opener
	attr          transport.Attr
	logger        *zap.Logger
	retryInterval time.Duration
	handshakeWait time.Duration

	codec    *wire.Codec
	recvMu   sync.Mutex
	handlers [wire.NumTypes]clientHandler

	mu            sync.Mutex
	state         State
	connectSent   bool
	srv           transport.Queue
	reply         transport.Queue
	closed        chan struct{}
	handles       map[uint32]*Handle
	pendingTokens map[uint64]*Handle
	waiters       map[uint32]*waiter

	outband atomic.Uint64
	seq     atomic.Uint32
	running atomic.Bool
}

func (c *Connection) ID() int32 { return c.id }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerQueueName is the broker queue this connection writes to.
func (c *Connection) ServerQueueName() string {
	return transport.ServerQueueName(c.display)
}

// QueueName is this connection's private reply queue.
func (c *Connection) QueueName() string {
	return transport.ConnectionQueueName(c.display, int(c.id))
}

func (c *Connection) nextSeq() uint32 {
	for {
		if s := c.seq.Add(1); s != 0 {
			return s
		}
	}
}

// Connect opens the broker queue write-only and the reply queue read-only,
// sends CONNECT, then polls the reply queue once, or for up to the
// configured handshake wait. If the broker has not answered the connection
// stays in handshake; a later CONNECT reply seen by the dispatcher still
// completes it, and CONNECT is never sent twice. A full broker queue means
// no broker is draining it: CONNECT is not sent, the connection stays in
// handshake and Connect returns nil. Calling Connect again while in
// handshake retries an unsent CONNECT and polls again.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateEstablished:
		c.mu.Unlock()
		c.logger.Debug("Connection already established")
		return nil

	case StateInitialized:
		srv, err := c.opener.Open(c.ServerQueueName(), transport.ModeWrite, c.attr)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to open broker queue: %w", err)
		}
		reply, err := c.opener.Open(c.QueueName(), transport.ModeRead, c.attr)
		if err != nil {
			srv.Close()
			c.mu.Unlock()
			return fmt.Errorf("failed to open reply queue: %w", err)
		}
		c.srv = srv
		c.reply = reply
		c.closed = make(chan struct{})
		c.state = StateHandshake
		c.connectSent = false
		c.mu.Unlock()

		c.logger.Info("Connecting to broker",
			zap.String("queue", c.ServerQueueName()),
			zap.String("replyQueue", c.QueueName()),
		)

	default:
		c.mu.Unlock()
	}

	sent, err := c.sendConnect()
	if err != nil {
		return err
	}
	if !sent {
		c.logger.Warn("Broker queue is full; connection stays in handshake",
			zap.String("queue", c.ServerQueueName()),
		)
		return nil
	}

	if _, err := c.Pump(ctx); err != nil {
		return err
	}

	if c.handshakeWait > 0 {
		deadline := time.Now().Add(c.handshakeWait)
		for c.State() == StateHandshake {
			left := time.Until(deadline)
			if left <= 0 {
				break
			}
			if err := c.step(ctx, min(left, c.retryInterval)); err != nil {
				return err
			}
		}
	}

	if c.State() != StateEstablished {
		c.logger.Warn("Broker did not answer; connection stays in handshake")
	}
	return nil
}

// sendConnect sends CONNECT with a single attempt unless it already went
// out. It reports false when the broker queue was full.
func (c *Connection) sendConnect() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connectSent {
		return true, nil
	}
	if c.srv == nil {
		return false, ErrDisconnected
	}

	msg := &wire.Connect{Header: wire.Header{Seq: c.nextSeq()}, ID: c.id}
	err := c.codec.Send(c.srv, msg)
	switch {
	case err == nil:
		c.connectSent = true
		return true, nil
	case errors.Is(err, transport.ErrWouldBlock):
		return false, nil
	default:
		return false, fmt.Errorf("failed to send CONNECT: %w", err)
	}
}

// Disconnect closes both queues and unlinks the reply queue. Tokens are not
// released at the broker. Pending waiters fail with ErrDisconnected and all
// handles lose their token. The connection may be connected again.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.srv == nil {
		c.mu.Unlock()
		return nil
	}

	var errs []error
	if err := c.srv.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		errs = append(errs, err)
	}
	if err := c.reply.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		errs = append(errs, err)
	}
	if err := c.opener.Unlink(c.QueueName()); err != nil {
		errs = append(errs, err)
	}

	c.srv = nil
	c.reply = nil
	c.state = StateInitialized
	c.connectSent = false
	close(c.closed)

	waiters := c.waiters
	c.waiters = make(map[uint32]*waiter)
	pending := c.pendingTokens
	c.pendingTokens = make(map[uint64]*Handle)
	handles := c.handles
	c.handles = make(map[uint32]*Handle)
	c.mu.Unlock()

	for _, w := range waiters {
		w.err = ErrDisconnected
		close(w.done)
	}
	for _, h := range pending {
		h.fail(ErrDisconnected)
	}
	for _, h := range handles {
		h.detach()
	}

	c.logger.Info("Disconnected from broker")
	return errors.Join(errs...)
}

// AcquireToken creates a handle and asks the broker for its token. The
// handle becomes valid when the reply is dispatched; use Handle.Wait to
// block for it. Before the handshake completes the request gets a single
// attempt; if the broker queue is full the handle fails with
// ErrBrokerAbsent and is still returned.
func (c *Connection) AcquireToken(ctx context.Context) (*Handle, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	h := newHandle(c, c.outband.Add(1))

	c.mu.Lock()
	srv := c.srv
	established := c.state == StateEstablished
	if srv == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.pendingTokens[h.outband] = h
	c.mu.Unlock()

	msg := &wire.AcquireToken{
		Header:  wire.Header{Seq: c.nextSeq()},
		ID:      c.id,
		Outband: h.outband,
	}

	var err error
	if established {
		err = c.sendRetry(ctx, srv, msg)
	} else {
		err = c.codec.Send(srv, msg)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pendingTokens, h.outband)
		c.mu.Unlock()

		if errors.Is(err, transport.ErrWouldBlock) {
			c.logger.Warn("Broker queue is full; token request not sent", zap.Uint64("outband", h.outband))
			h.fail(ErrBrokerAbsent)
			return h, nil
		}
		return nil, fmt.Errorf("failed to send ACQUIRE_TOKEN: %w", err)
	}

	c.logger.Debug("Token requested", zap.Uint64("outband", h.outband))
	return h, nil
}

// ReleaseToken gives the handle's token back. No reply is expected; the
// handle is unusable afterwards.
func (c *Connection) ReleaseToken(ctx context.Context, h *Handle) error {
	c.mu.Lock()
	state := c.state
	srv := c.srv
	c.mu.Unlock()

	if state != StateEstablished {
		return ErrNotEstablished
	}

	token, err := h.usableToken()
	if err != nil {
		return err
	}

	msg := &wire.ReleaseToken{ID: c.id, Token: token}
	if err := c.sendRetry(ctx, srv, msg); err != nil {
		return fmt.Errorf("failed to send RELEASE_TOKEN: %w", err)
	}

	c.mu.Lock()
	if c.handles[token] == h {
		delete(c.handles, token)
	}
	c.mu.Unlock()
	h.markReleased()

	c.logger.Debug("Token released", zap.Uint32("token", token))
	return nil
}

// Send sends m on behalf of h, stamping its token. A full broker queue is
// waited out, bounded only by ctx. With FlagSync it then blocks until the
// reply carrying the same sequence number is dispatched. Only INPUT has a
// reply. There is no timeout: if the broker is gone the call returns only
// when ctx is done. Enable and focus state is mirrored on the handle once
// the message is sent.
func (c *Connection) Send(ctx context.Context, h *Handle, flags wire.Flags, m wire.Message) (wire.Message, error) {
	c.mu.Lock()
	state := c.state
	srv := c.srv
	c.mu.Unlock()

	if state != StateEstablished {
		return nil, ErrNotEstablished
	}

	token, err := h.usableToken()
	if err != nil {
		return nil, err
	}

	isSync := flags.IsSync()
	if isSync && m.Type() != wire.TypeInput {
		return nil, fmt.Errorf("synchronous %s: %w", m.Type(), ErrNoReply)
	}

	var mirror func()
	switch m := m.(type) {
	case *wire.Enable:
		m.Token = token
		mirror = func() { h.setEnabled(m.Val) }
	case *wire.FocusIn:
		m.Token = token
		m.Focused = true
		mirror = func() { h.setFocused(true) }
	case *wire.FocusOut:
		m.Token = token
		m.Focused = false
		mirror = func() { h.setFocused(false) }
	case *wire.Input:
		m.Token = token
	case *wire.Cursor:
		m.Token = token
	case *wire.AddIC:
		m.Token = token
	case *wire.DelIC:
		m.Token = token
	default:
		return nil, fmt.Errorf("%w: clients do not send %s", ErrProtocol, m.Type())
	}

	hdr := m.Hdr()
	hdr.Flags = flags

	if !isSync {
		hdr.Seq = 0
		if err := c.sendRetry(ctx, srv, m); err != nil {
			return nil, fmt.Errorf("send %s: %w", m.Type(), err)
		}
		if mirror != nil {
			mirror()
		}
		return nil, nil
	}

	if !h.inSync.CompareAndSwap(false, true) {
		return nil, ErrSyncInFlight
	}
	defer h.inSync.Store(false)

	hdr.Seq = c.nextSeq()
	w := &waiter{done: make(chan struct{})}
	c.mu.Lock()
	c.waiters[hdr.Seq] = w
	c.mu.Unlock()

	if err := c.sendRetry(ctx, srv, m); err != nil {
		c.dropWaiter(hdr.Seq)
		return nil, fmt.Errorf("send %s: %w", m.Type(), err)
	}

	if err := c.await(ctx, w.done); err != nil {
		c.dropWaiter(hdr.Seq)
		return nil, err
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.reply, nil
}

// sendRetry sends m, waiting out a full broker queue until ctx is done.
// Unless Run is dispatching, inbound messages are pumped between attempts
// so the broker is never left blocked on a full reply queue.
func (c *Connection) sendRetry(ctx context.Context, srv transport.Queue, m wire.Message) error {
	for {
		err := c.codec.Send(srv, m)
		if !errors.Is(err, transport.ErrWouldBlock) {
			return err
		}

		if !c.running.Load() {
			handled, err := c.Pump(ctx)
			if err != nil {
				return err
			}
			if handled {
				continue
			}
		}

		t := time.NewTimer(c.retryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Connection) dropWaiter(seq uint32) {
	c.mu.Lock()
	delete(c.waiters, seq)
	c.mu.Unlock()
}

// await blocks until ready is closed. While Run is active it simply waits;
// otherwise the caller drives dispatch itself so pushed messages keep
// flowing while it waits. Only ctx or Disconnect end the wait early.
func (c *Connection) await(ctx context.Context, ready <-chan struct{}) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	for {
		select {
		case <-ready:
			return nil
		default:
		}

		if c.running.Load() {
			t := time.NewTimer(c.retryInterval)
			select {
			case <-ready:
				t.Stop()
				return nil
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-closed:
				t.Stop()
				return ErrDisconnected
			case <-t.C:
			}
			continue
		}

		if err := c.step(ctx, c.retryInterval); err != nil {
			return err
		}
	}
}

// step dispatches one message, or waits up to d for one to arrive.
func (c *Connection) step(ctx context.Context, d time.Duration) error {
	handled, err := c.Pump(ctx)
	if err != nil || handled {
		return err
	}

	c.mu.Lock()
	q := c.reply
	c.mu.Unlock()
	if q == nil {
		return ErrDisconnected
	}

	if _, err := q.Wait(ctx, d); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrDisconnected
		}
		return err
	}
	return nil
}

// Pump receives and dispatches at most one message without blocking and
// reports whether one was taken off the queue.
func (c *Connection) Pump(ctx context.Context) (bool, error) {
	c.mu.Lock()
	q := c.reply
	c.mu.Unlock()
	if q == nil {
		return false, ErrDisconnected
	}

	c.recvMu.Lock()
	m, err := c.codec.Receive(q)
	if err == nil {
		// detach text from the scratch so dispatch can run unlocked
		wire.CopyText(m)
	}
	c.recvMu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, transport.ErrWouldBlock):
		return false, nil
	case errors.Is(err, transport.ErrClosed):
		return false, ErrDisconnected
	case errors.Is(err, wire.ErrUnknownType), errors.Is(err, wire.ErrShortMessage):
		c.logger.Warn("Dropping malformed message", zap.Error(err))
		return true, nil
	default:
		return false, fmt.Errorf("receive on %s: %w", q.Name(), err)
	}

	c.dispatch(ctx, m)
	return true, nil
}

// Run dispatches inbound messages until ctx is done or the connection is
// disconnected. The connection must have been connected first.
func (c *Connection) Run(ctx context.Context) error {
	c.mu.Lock()
	connected := c.reply != nil
	c.mu.Unlock()
	if !connected {
		return ErrDisconnected
	}

	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.step(ctx, runPollInterval)
		if err != nil {
			if errors.Is(err, ErrDisconnected) || ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Dispatch loop failed", zap.Error(err))
			return err
		}
	}
}
