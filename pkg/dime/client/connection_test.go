package client

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/dime/pkg/dime/server"
	"github.com/tsarna/dime/pkg/dime/transport"
	"github.com/tsarna/dime/pkg/dime/wire"
)

func TestBuilderValidation(t *testing.T) {
	_, err := NewConnection().WithDisplay("").Build()
	assert.Error(t, err)

	_, err = NewConnection().WithDisplay(":0").WithID(0).Build()
	assert.Error(t, err)

	_, err = NewConnection().WithDisplay(":0").WithID(1).WithHandshakeWait(-time.Second).Build()
	assert.Error(t, err)

	c, err := NewConnection().WithDisplay(":0").WithID(12).WithOpener(transport.NewMemory()).Build()
	require.NoError(t, err)
	assert.Equal(t, StateInitialized, c.State())
	assert.Equal(t, "/dime-server-:0", c.ServerQueueName())
	assert.Equal(t, "/dime-connect-:0-12", c.QueueName())
}

func TestHandshakeCompletesLater(t *testing.T) {
	f := newFixture(t)
	c := f.newConnection(5)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, StateHandshake, c.State())

	// asking again only polls; CONNECT is not re-sent
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, 1, f.mem.Depth(c.ServerQueueName()))

	h, err := c.AcquireToken(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, h.Enable(ctx), ErrNotEstablished)
	assert.ErrorIs(t, c.ReleaseToken(ctx, h), ErrNotEstablished)

	f.drain()

	// the dispatcher sees the late CONNECT reply, then the token
	handled, err := c.Pump(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, StateEstablished, c.State())

	require.NoError(t, h.Wait(ctx))
	assert.Equal(t, uint32(server.DefaultTokenBase), h.Token())
	assert.True(t, h.IsValid())
}

func TestConnectWaitsForServingBroker(t *testing.T) {
	f := newFixture(t)
	f.serve()
	c := f.newConnection(6, func(b *ConnectionBuilder) { b.WithHandshakeWait(5 * time.Second) })

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateEstablished, c.State())
	require.NoError(t, c.Connect(context.Background()))
}

func TestConnectRejectsForeignReply(t *testing.T) {
	f := newFixture(t)
	c := f.newConnection(7)
	require.NoError(t, c.Connect(context.Background()))

	err := c.handleConnect(context.Background(), &wire.Connect{ID: 8})
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, StateHandshake, c.State())
}

func TestSyncKeyWithServingBroker(t *testing.T) {
	f := newFixture(t)
	f.serve()
	c := f.newConnection(9, func(b *ConnectionBuilder) { b.WithHandshakeWait(5 * time.Second) })
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	h, err := c.AcquireToken(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	require.NoError(t, h.Focus(ctx, true))
	assert.True(t, h.IsFocused())

	fb, err := h.Key(ctx, 'a', 77)
	require.NoError(t, err)
	assert.Equal(t, h.Token(), fb.Token)
	assert.Equal(t, uint32(77), fb.Time)
	assert.Equal(t, int32(1), fb.Result)

	assert.Eventually(t, func() bool {
		keys := f.engine.Keys()
		return len(keys) == 1 && keys[0] == 'a'
	}, 2*time.Second, time.Millisecond)
}

func TestCallbacksReceivePushes(t *testing.T) {
	f := newFixture(t)
	f.engine.push = func(ctx context.Context, p server.Pusher, token uint32, key int32) {
		switch key {
		case 'c':
			p.Commit(ctx, token, "你好")
		case 'p':
			p.Preedit(ctx, token, "ni")
			p.PreeditClear(ctx, token)
		case 'f':
			p.Forward(ctx, token, key)
		case 'e':
			p.SendEnable(ctx, token, true)
		}
	}
	f.serve()

	c := f.newConnection(10, func(b *ConnectionBuilder) { b.WithHandshakeWait(5 * time.Second) })
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	runLoop(t, c)

	h, err := c.AcquireToken(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	var mu sync.Mutex
	var got []string
	record := func(s string) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}
	h.SetCallbacks(Callbacks{
		OnCommit:       func(h *Handle, text string) { record("commit:" + text) },
		OnPreedit:      func(h *Handle, text string) { record("preedit:" + text) },
		OnPreeditClear: func(h *Handle) { record("clear") },
		OnForward:      func(h *Handle, key int32) { record("forward:" + string(rune(key))) },
		OnEnable:       func(h *Handle, enabled bool) { record("enable") },
	})

	require.NoError(t, h.Focus(ctx, true))
	for _, k := range "cpfe" {
		_, err := h.Key(ctx, k, 0)
		require.NoError(t, err)
	}

	want := []string{"commit:你好", "preedit:ni", "clear", "forward:f", "enable"}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()
	assert.True(t, h.IsEnabled())
}

func TestReleasedHandleIsUnusable(t *testing.T) {
	f := newFixture(t)
	c := f.newConnection(11)
	f.establish(c)
	h := f.acquire(c)
	ctx := context.Background()

	require.NoError(t, c.ReleaseToken(ctx, h))
	f.drain()
	assert.False(t, h.IsValid())

	_, ok := f.broker.Owner(h.Token())
	assert.False(t, ok)

	assert.ErrorIs(t, h.Enable(ctx), ErrReleased)
	assert.ErrorIs(t, c.ReleaseToken(ctx, h), ErrReleased)
	_, err := h.Key(ctx, 'x', 0)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestHandleWithoutTokenIsRejected(t *testing.T) {
	f := newFixture(t)
	c := f.newConnection(12)
	f.establish(c)
	ctx := context.Background()

	h, err := c.AcquireToken(ctx)
	require.NoError(t, err)
	assert.False(t, h.IsValid())
	assert.ErrorIs(t, h.Enable(ctx), ErrNoToken)
}

func TestTokenSpaceExhaustedFailsHandle(t *testing.T) {
	f := newFixture(t, func(b *server.BrokerBuilder) { b.WithTokenBase(math.MaxUint32) })
	c := f.newConnection(13)
	f.establish(c)
	ctx := context.Background()

	first, err := c.AcquireToken(ctx)
	require.NoError(t, err)
	second, err := c.AcquireToken(ctx)
	require.NoError(t, err)
	f.drain()

	require.NoError(t, first.Wait(ctx))
	assert.Equal(t, uint32(math.MaxUint32), first.Token())

	assert.ErrorIs(t, second.Wait(ctx), ErrNoToken)
	assert.False(t, second.IsValid())
}

func TestSyncRestrictions(t *testing.T) {
	f := newFixture(t)
	c := f.newConnection(14)
	f.establish(c)
	h := f.acquire(c)
	ctx := context.Background()

	_, err := c.Send(ctx, h, wire.FlagSync, &wire.Enable{Val: true})
	assert.ErrorIs(t, err, ErrNoReply)

	_, err = c.Send(ctx, h, 0, &wire.Commit{Text: []byte("x")})
	assert.ErrorIs(t, err, ErrProtocol)

	h.inSync.Store(true)
	_, err = h.Key(ctx, 'k', 0)
	assert.ErrorIs(t, err, ErrSyncInFlight)
	h.inSync.Store(false)
}

func TestAsyncSendWaitsOutBackpressure(t *testing.T) {
	f := newFixture(t)
	c := f.newConnection(15)
	f.establish(c)
	h := f.acquire(c)
	ctx := context.Background()

	for i := 0; i < transport.DefaultMaxDepth; i++ {
		require.NoError(t, h.KeyAsync(ctx, 'a', uint32(i)))
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := h.SetEnabled(short, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, transport.ErrWouldBlock)
	assert.False(t, h.IsEnabled(), "state is mirrored only once sent")

	done := make(chan error, 1)
	go func() { done <- h.Focus(ctx, true) }()

	deadline := time.After(2 * time.Second)
	for waiting := true; waiting; {
		f.drain()
		select {
		case err := <-done:
			require.NoError(t, err)
			waiting = false
		case <-deadline:
			t.Fatal("focus was never sent")
		case <-time.After(time.Millisecond):
		}
	}

	f.drain()
	assert.True(t, h.IsFocused())
	assert.Equal(t, h.Token(), f.broker.Active().Token)
	require.NoError(t, h.SetCursor(ctx, wire.Rect{X: 1, Y: 2, W: 3, H: 4}))
}

func TestFullBrokerQueueLeavesHandshakePending(t *testing.T) {
	f := newFixture(t)

	// nobody drains the broker queue: five clients fill it
	for id := int32(50); id < 55; id++ {
		h, err := f.newConnection(id).AcquireToken(context.Background())
		require.NoError(t, err)
		require.NotNil(t, h)
	}

	c := f.newConnection(60)
	require.Equal(t, transport.DefaultMaxDepth, f.mem.Depth(c.ServerQueueName()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, StateHandshake, c.State())

	h, err := c.AcquireToken(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, h.Wait(ctx), ErrBrokerAbsent)
	assert.NoError(t, ctx.Err(), "no call waited for the queue")

	// the unsent CONNECT goes out on the next Connect once there is room
	f.drain()
	require.NoError(t, c.Connect(ctx))
	f.drain()
	_, err = c.Pump(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateEstablished, c.State())

	// and is not sent a second time
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, 0, f.mem.Depth(c.ServerQueueName()))
}

func TestDisconnectFailsWaiters(t *testing.T) {
	f := newFixture(t)
	c := f.newConnection(16)
	f.establish(c)
	h := f.acquire(c)

	done := make(chan error, 1)
	go func() {
		_, err := h.Key(context.Background(), 'q', 0)
		done <- err
	}()

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.waiters) == 1
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, c.Disconnect())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("Key did not return after Disconnect")
	}

	assert.Equal(t, StateInitialized, c.State())
	assert.Equal(t, uint32(0), h.Token())
	assert.False(t, f.mem.Exists(c.QueueName()))
	require.NoError(t, c.Disconnect())

	// a fresh handshake works against the same broker
	f.establish(c)
}

func TestKeyHonorsContext(t *testing.T) {
	f := newFixture(t)
	c := f.newConnection(17)
	f.establish(c)
	h := f.acquire(c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Key(ctx, 'z', 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.mu.Lock()
	assert.Empty(t, c.waiters)
	c.mu.Unlock()
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	c := f.newConnection(18)

	assert.ErrorIs(t, c.Run(context.Background()), ErrDisconnected)

	f.establish(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, c.running.Load, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, c.Run(context.Background()), ErrAlreadyRunning)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
