package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tsarna/dime/pkg/dime/wire"
)

// Callbacks receive what the broker pushes to a handle. Any of them may be
// nil. They run on the goroutine that dispatched the message.
type Callbacks struct {
	OnCommit       func(h *Handle, text string)
	OnPreedit      func(h *Handle, text string)
	OnPreeditClear func(h *Handle)
	OnForward      func(h *Handle, key int32)
	OnEnable       func(h *Handle, enabled bool)
}

// Handle is one logical input context. It gets its token asynchronously
// after AcquireToken and must not be used after ReleaseToken.
type Handle struct {
	conn    *Connection
	outband uint64

	mu        sync.Mutex
	token     uint32
	enabled   bool
	focused   bool
	released  bool
	err       error
	ready     chan struct{}
	readyOnce sync.Once
	callbacks Callbacks

	inSync atomic.Bool
}

func newHandle(c *Connection, outband uint64) *Handle {
	return &Handle{
		conn:    c,
		outband: outband,
		ready:   make(chan struct{}),
	}
}

// IsValid reports whether the handle holds a token.
func (h *Handle) IsValid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token != 0 && !h.released
}

// IsEnabled reports the last enable state sent or received.
func (h *Handle) IsEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// IsFocused reports the last focus state sent.
func (h *Handle) IsFocused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.focused
}

// Token returns the broker-assigned token, or 0.
func (h *Handle) Token() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

func (h *Handle) SetCallbacks(cb Callbacks) {
	h.mu.Lock()
	h.callbacks = cb
	h.mu.Unlock()
}

func (h *Handle) getCallbacks() Callbacks {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.callbacks
}

// Wait blocks until the token arrives, the broker refuses it, or ctx is
// done.
func (h *Handle) Wait(ctx context.Context) error {
	if err := h.conn.await(ctx, h.ready); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Enable switches conversion on for this input context.
func (h *Handle) Enable(ctx context.Context) error {
	return h.SetEnabled(ctx, true)
}

func (h *Handle) SetEnabled(ctx context.Context, enabled bool) error {
	_, err := h.conn.Send(ctx, h, 0, &wire.Enable{Val: enabled})
	return err
}

// Focus reports focus gained or lost.
func (h *Handle) Focus(ctx context.Context, focused bool) error {
	var m wire.Message = &wire.FocusOut{}
	if focused {
		m = &wire.FocusIn{}
	}
	_, err := h.conn.Send(ctx, h, 0, m)
	return err
}

// Key sends a keystroke and waits for the broker's acknowledgement.
func (h *Handle) Key(ctx context.Context, code int32, time uint32) (*wire.InputFeedback, error) {
	reply, err := h.conn.Send(ctx, h, wire.FlagSync, &wire.Input{Key: code, Time: time})
	if err != nil {
		return nil, err
	}

	fb, ok := reply.(*wire.InputFeedback)
	if !ok {
		return nil, ErrProtocol
	}
	return fb, nil
}

// KeyAsync sends a keystroke without waiting for the acknowledgement.
func (h *Handle) KeyAsync(ctx context.Context, code int32, time uint32) error {
	_, err := h.conn.Send(ctx, h, 0, &wire.Input{Key: code, Time: time})
	return err
}

func (h *Handle) SetCursor(ctx context.Context, rect wire.Rect) error {
	_, err := h.conn.Send(ctx, h, 0, &wire.Cursor{Rect: rect})
	return err
}

func (h *Handle) usableToken() (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return 0, ErrReleased
	}
	if h.token == 0 {
		return 0, ErrNoToken
	}
	return h.token, nil
}

func (h *Handle) install(token uint32) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
	h.readyOnce.Do(func() { close(h.ready) })
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.readyOnce.Do(func() { close(h.ready) })
}

func (h *Handle) detach() {
	h.mu.Lock()
	h.token = 0
	h.mu.Unlock()
}

func (h *Handle) markReleased() {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
}

func (h *Handle) setEnabled(v bool) {
	h.mu.Lock()
	h.enabled = v
	h.mu.Unlock()
}

func (h *Handle) setFocused(v bool) {
	h.mu.Lock()
	h.focused = v
	h.mu.Unlock()
}
