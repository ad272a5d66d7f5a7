package server

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tsarna/dime/pkg/dime/transport"
	"github.com/tsarna/dime/pkg/dime/wire"
	"go.uber.org/zap/zaptest"
)

const testDisplay = ":test"

type engineCall struct {
	Kind  string
	Token uint32
	Key   int32
	Time  uint32
	Value bool
	Rect  wire.Rect
}

// recordingEngine remembers every callback; onInput, if set, runs after
// recording so tests can push from inside the loop.
type recordingEngine struct {
	mu      sync.Mutex
	calls   []engineCall
	onInput func(ctx context.Context, p Pusher, token uint32, key int32)
}

func (e *recordingEngine) record(c engineCall) {
	e.mu.Lock()
	e.calls = append(e.calls, c)
	e.mu.Unlock()
}

func (e *recordingEngine) OnInput(ctx context.Context, p Pusher, token uint32, key int32, time uint32) {
	e.record(engineCall{Kind: "input", Token: token, Key: key, Time: time})
	if e.onInput != nil {
		e.onInput(ctx, p, token, key)
	}
}

func (e *recordingEngine) OnEnable(ctx context.Context, p Pusher, token uint32, enabled bool) {
	e.record(engineCall{Kind: "enable", Token: token, Value: enabled})
}

func (e *recordingEngine) OnFocus(ctx context.Context, p Pusher, token uint32, focused bool) {
	e.record(engineCall{Kind: "focus", Token: token, Value: focused})
}

func (e *recordingEngine) OnCursor(ctx context.Context, p Pusher, token uint32, rect wire.Rect) {
	e.record(engineCall{Kind: "cursor", Token: token, Rect: rect})
}

func (e *recordingEngine) Calls(kind string) []engineCall {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []engineCall
	for _, c := range e.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type testBroker struct {
	*Broker
	t      *testing.T
	mem    *transport.Memory
	engine *recordingEngine
}

func newTestBroker(t *testing.T, configure ...func(*BrokerBuilder)) *testBroker {
	t.Helper()

	mem := transport.NewMemory()
	eng := &recordingEngine{}

	builder := NewBroker().
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

	return &testBroker{Broker: b, t: t, mem: mem, engine: eng}
}

// drain handles every queued message.
func (tb *testBroker) drain() {
	tb.t.Helper()
	for {
		handled, err := tb.Pump(context.Background())
		require.NoError(tb.t, err)
		if !handled {
			return
		}
	}
}

// rawClient speaks the protocol directly, without the client package.
type rawClient struct {
	t     *testing.T
	id    int32
	srv   transport.Queue
	reply transport.Queue
	codec *wire.Codec
}

func (tb *testBroker) newRawClient(id int32) *rawClient {
	tb.t.Helper()
	attr := transport.DefaultAttr()

	srv, err := tb.mem.Open(transport.ServerQueueName(testDisplay), transport.ModeWrite, attr)
	require.NoError(tb.t, err)
	reply, err := tb.mem.Open(transport.ConnectionQueueName(testDisplay, int(id)), transport.ModeRead, attr)
	require.NoError(tb.t, err)

	return &rawClient{t: tb.t, id: id, srv: srv, reply: reply, codec: wire.NewCodec(attr.MaxMsgSize)}
}

func (c *rawClient) send(m wire.Message) {
	c.t.Helper()
	require.NoError(c.t, c.codec.Send(c.srv, m))
}

func (c *rawClient) recv() wire.Message {
	c.t.Helper()
	m, err := c.codec.Receive(c.reply)
	require.NoError(c.t, err)
	wire.CopyText(m)
	return m
}

func (c *rawClient) pending() bool {
	ready, err := c.reply.Wait(context.Background(), 1)
	require.NoError(c.t, err)
	return ready
}

// connect performs the handshake and returns the CONNECT reply.
func (c *rawClient) connect(tb *testBroker) *wire.Connect {
	c.t.Helper()
	c.send(&wire.Connect{Header: wire.Header{Seq: 1}, ID: c.id})
	tb.drain()
	m := c.recv()
	require.IsType(c.t, &wire.Connect{}, m)
	return m.(*wire.Connect)
}

// acquire requests a token and returns it.
func (c *rawClient) acquire(tb *testBroker, outband uint64) uint32 {
	c.t.Helper()
	c.send(&wire.AcquireToken{ID: c.id, Outband: outband})
	tb.drain()
	m := c.recv()
	require.IsType(c.t, &wire.AcquireToken{}, m)
	reply := m.(*wire.AcquireToken)
	require.Equal(c.t, outband, reply.Outband)
	return reply.Token
}
