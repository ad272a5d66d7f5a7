package transport

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "/dime-server-:0", ServerQueueName(":0"))
	assert.Equal(t, "/dime-connect-:0-1234", ConnectionQueueName(":0", 1234))
}

func TestDisplayFromEnv(t *testing.T) {
	t.Setenv("DISPLAY", ":7")
	assert.Equal(t, ":7", DisplayFromEnv())

	os.Unsetenv("DISPLAY")
	assert.Equal(t, "(null)", DisplayFromEnv())
}

func TestAttrIsValid(t *testing.T) {
	assert.NoError(t, DefaultAttr().IsValid())
	assert.Error(t, Attr{MaxMsgSize: 0, MaxDepth: 1}.IsValid())
	assert.Error(t, Attr{MaxMsgSize: 1, MaxDepth: -1}.IsValid())
}

func TestMemoryFIFO(t *testing.T) {
	mem := NewMemory()
	attr := DefaultAttr()

	w, err := mem.Open("/q", ModeWrite, attr)
	require.NoError(t, err)
	r, err := mem.Open("/q", ModeRead, attr)
	require.NoError(t, err)

	require.NoError(t, w.Send([]byte("one")))
	require.NoError(t, w.Send([]byte("two")))
	assert.Equal(t, 2, mem.Depth("/q"))

	buf := make([]byte, attr.MaxMsgSize)
	n, err := r.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(buf[:n]))

	n, err = r.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, "two", string(buf[:n]))

	_, err = r.Receive(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestMemoryLimits(t *testing.T) {
	mem := NewMemory()
	attr := Attr{MaxMsgSize: 4, MaxDepth: 2}

	w, err := mem.Open("/small", ModeWrite, attr)
	require.NoError(t, err)

	assert.ErrorIs(t, w.Send([]byte("12345")), ErrMessageTooLarge)
	require.NoError(t, w.Send([]byte("a")))
	require.NoError(t, w.Send([]byte("b")))
	assert.ErrorIs(t, w.Send([]byte("c")), ErrWouldBlock)

	_, err = w.Receive(make([]byte, 4))
	assert.ErrorIs(t, err, ErrWrongMode)

	r, err := mem.Open("/small", ModeRead, attr)
	require.NoError(t, err)
	_, err = r.Receive(make([]byte, 2))
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	_, err = mem.Open("/small", ModeRead, Attr{MaxMsgSize: 8, MaxDepth: 2})
	assert.ErrorIs(t, err, ErrAttrMismatch)
}

func TestMemoryUnlinkAndClose(t *testing.T) {
	mem := NewMemory()
	q, err := mem.Open("/gone", ModeRead, DefaultAttr())
	require.NoError(t, err)
	assert.True(t, mem.Exists("/gone"))

	require.NoError(t, mem.Unlink("/gone"))
	require.NoError(t, mem.Unlink("/gone"))
	assert.False(t, mem.Exists("/gone"))

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Close(), ErrClosed)
	_, err = q.Receive(make([]byte, DefaultMaxMsgSize))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryWait(t *testing.T) {
	mem := NewMemory()
	attr := DefaultAttr()
	w, _ := mem.Open("/wait", ModeWrite, attr)
	r, _ := mem.Open("/wait", ModeRead, attr)

	ready, err := r.Wait(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready)

	go func() {
		time.Sleep(10 * time.Millisecond)
		w.Send([]byte("x"))
	}()
	ready, err = r.Wait(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ready)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	buf := make([]byte, attr.MaxMsgSize)
	_, _ = r.Receive(buf)
	_, err = r.Wait(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendRetryWaitsForSpace(t *testing.T) {
	mem := NewMemory()
	attr := Attr{MaxMsgSize: 8, MaxDepth: 1}
	w, _ := mem.Open("/bp", ModeWrite, attr)
	r, _ := mem.Open("/bp", ModeRead, attr)

	require.NoError(t, w.Send([]byte("full")))

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Receive(make([]byte, 8))
	}()

	retries, err := SendRetry(context.Background(), w, []byte("next"), time.Millisecond)
	require.NoError(t, err)
	assert.Greater(t, retries, 0)
	assert.Equal(t, 1, mem.Depth("/bp"))
}

func TestSendRetryHonorsContext(t *testing.T) {
	mem := NewMemory()
	attr := Attr{MaxMsgSize: 8, MaxDepth: 1}
	w, _ := mem.Open("/stuck", ModeWrite, attr)
	require.NoError(t, w.Send([]byte("full")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := SendRetry(ctx, w, []byte("more"), time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestReceiveWait(t *testing.T) {
	mem := NewMemory()
	attr := DefaultAttr()
	w, _ := mem.Open("/rw", ModeWrite, attr)
	r, _ := mem.Open("/rw", ModeRead, attr)

	go func() {
		time.Sleep(10 * time.Millisecond)
		w.Send([]byte("hello"))
	}()

	buf := make([]byte, attr.MaxMsgSize)
	n, err := ReceiveWait(context.Background(), r, buf, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}
