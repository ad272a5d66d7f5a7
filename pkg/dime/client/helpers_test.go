package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tsarna/dime/pkg/dime/server"
	"github.com/tsarna/dime/pkg/dime/transport"
	"github.com/tsarna/dime/pkg/dime/wire"
	"go.uber.org/zap/zaptest"
)

const testDisplay = ":client-test"

// pushEngine records keys and, for each one, runs push so tests can script
// what the broker sends back.
type pushEngine struct {
	mu   sync.Mutex
	keys []int32
	push func(ctx context.Context, p server.Pusher, token uint32, key int32)
}

func (e *pushEngine) OnInput(ctx context.Context, p server.Pusher, token uint32, key int32, time uint32) {
	e.mu.Lock()
	e.keys = append(e.keys, key)
	push := e.push
	e.mu.Unlock()
	if push != nil {
		push(ctx, p, token, key)
	}
}

func (e *pushEngine) OnEnable(ctx context.Context, p server.Pusher, token uint32, enabled bool) {}
func (e *pushEngine) OnFocus(ctx context.Context, p server.Pusher, token uint32, focused bool)  {}
func (e *pushEngine) OnCursor(ctx context.Context, p server.Pusher, token uint32, rect wire.Rect) {
}

func (e *pushEngine) Keys() []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int32(nil), e.keys...)
}

type fixture struct {
	t      *testing.T
	mem    *transport.Memory
	broker *server.Broker
	engine *pushEngine
}

func newFixture(t *testing.T, configure ...func(*server.BrokerBuilder)) *fixture {
	t.Helper()

	mem := transport.NewMemory()
	eng := &pushEngine{}
	builder := server.NewBroker().
		WithDisplay(testDisplay).
		WithOpener(mem).
		WithLogger(zaptest.NewLogger(t)).
		WithEngine(eng)
	for _, f := range configure {
		f(builder)
	}

	b, err := builder.Build()
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return &fixture{t: t, mem: mem, broker: b, engine: eng}
}

func (f *fixture) newConnection(id int32, configure ...func(*ConnectionBuilder)) *Connection {
	f.t.Helper()

	builder := NewConnection().
		WithDisplay(testDisplay).
		WithID(id).
		WithOpener(f.mem).
		WithLogger(zaptest.NewLogger(f.t)).
		WithRetryInterval(time.Millisecond)
	for _, cfg := range configure {
		cfg(builder)
	}

	c, err := builder.Build()
	require.NoError(f.t, err)
	f.t.Cleanup(func() { c.Disconnect() })
	return c
}

// drain makes the broker handle everything queued so far.
func (f *fixture) drain() {
	f.t.Helper()
	for {
		handled, err := f.broker.Pump(context.Background())
		require.NoError(f.t, err)
		if !handled {
			return
		}
	}
}

// serve runs the broker loop until the test ends.
func (f *fixture) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.broker.Serve(ctx)
	}()
	f.t.Cleanup(func() {
		cancel()
		<-done
	})
}

// establish completes the handshake with the broker driven by hand.
func (f *fixture) establish(c *Connection) {
	f.t.Helper()
	ctx := context.Background()
	require.NoError(f.t, c.Connect(ctx))
	f.drain()
	_, err := c.Pump(ctx)
	require.NoError(f.t, err)
	require.Equal(f.t, StateEstablished, c.State())
}

// acquire requests a token and waits for it with the broker driven by hand.
func (f *fixture) acquire(c *Connection) *Handle {
	f.t.Helper()
	ctx := context.Background()
	h, err := c.AcquireToken(ctx)
	require.NoError(f.t, err)
	f.drain()
	require.NoError(f.t, h.Wait(ctx))
	return h
}

// runLoop runs the connection's dispatch loop until the test ends.
func runLoop(t *testing.T, c *Connection) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, c.running.Load, 2*time.Second, time.Millisecond)
}
