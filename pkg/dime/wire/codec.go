package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tsarna/dime/pkg/dime/transport"
)

var (
	ErrUnknownType     = errors.New("unknown message type")
	ErrShortMessage    = errors.New("message shorter than its fixed record")
	ErrMessageTooLarge = errors.New("message does not fit in buffer")
)

var le = binary.LittleEndian

func putBool(b []byte, v bool) {
	if v {
		b[0] = 1
	} else {
		b[0] = 0
	}
}

// Encode writes m into buf and returns the number of bytes to send. For
// COMMIT and PREEDIT the text is copied right after the fixed record and the
// Length field is written from len(Text).
func Encode(buf []byte, m Message) (int, error) {
	t := m.Type()
	size := SizeOf(t)
	if size == 0 {
		return 0, fmt.Errorf("encode: %w: %d", ErrUnknownType, uint8(t))
	}

	text := TextOf(m)
	total := size + len(text)
	if total > len(buf) {
		return 0, fmt.Errorf("encode %s: %w (%d > %d)", t, ErrMessageTooLarge, total, len(buf))
	}

	h := m.Hdr()
	buf[0] = byte(t)
	buf[1] = byte(h.Flags)
	le.PutUint16(buf[2:4], 0)
	le.PutUint32(buf[4:8], h.Seq)

	b := buf[HeaderSize:size]
	switch m := m.(type) {
	case *Enable:
		le.PutUint32(b[0:4], m.Token)
		putBool(b[4:], m.Val)
	case *FocusIn:
		le.PutUint32(b[0:4], m.Token)
		putBool(b[4:], m.Focused)
	case *FocusOut:
		le.PutUint32(b[0:4], m.Token)
		putBool(b[4:], m.Focused)
	case *AddIC:
		le.PutUint32(b[0:4], m.Token)
	case *DelIC:
		le.PutUint32(b[0:4], m.Token)
	case *Cursor:
		le.PutUint32(b[0:4], m.Token)
		le.PutUint16(b[4:6], uint16(m.Rect.X))
		le.PutUint16(b[6:8], uint16(m.Rect.Y))
		le.PutUint16(b[8:10], uint16(m.Rect.W))
		le.PutUint16(b[10:12], uint16(m.Rect.H))
	case *Input:
		le.PutUint32(b[0:4], m.Token)
		le.PutUint32(b[4:8], uint32(m.Key))
		le.PutUint32(b[8:12], m.Time)
	case *InputFeedback:
		le.PutUint32(b[0:4], m.Token)
		le.PutUint32(b[4:8], m.Time)
		le.PutUint32(b[8:12], uint32(m.Result))
	case *Commit:
		m.Length = uint32(len(m.Text))
		le.PutUint32(b[0:4], m.ID)
		le.PutUint32(b[4:8], m.Token)
		le.PutUint32(b[8:12], m.Length)
	case *Preedit:
		m.Length = uint32(len(m.Text))
		le.PutUint32(b[0:4], m.Token)
		le.PutUint32(b[4:8], m.Length)
	case *PreeditClear:
		le.PutUint32(b[0:4], m.Token)
	case *Forward:
		le.PutUint32(b[0:4], m.Token)
		le.PutUint32(b[4:8], uint32(m.Key))
	case *AcquireToken:
		le.PutUint32(b[0:4], uint32(m.ID))
		le.PutUint32(b[4:8], m.Token)
		le.PutUint64(b[8:16], m.Outband)
	case *ReleaseToken:
		le.PutUint32(b[0:4], uint32(m.ID))
		le.PutUint32(b[4:8], m.Token)
		le.PutUint64(b[8:16], m.Outband)
	case *Connect:
		le.PutUint32(b[0:4], uint32(m.ID))
	default:
		return 0, fmt.Errorf("encode: %w: %T", ErrUnknownType, m)
	}

	copy(buf[size:total], text)
	return total, nil
}

// Decode parses one message from b. The text of a COMMIT or PREEDIT aliases
// b: it is everything after the fixed record, whatever the Length field says,
// and stays valid only as long as b is not reused.
func Decode(b []byte) (Message, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("decode: %w: empty", ErrShortMessage)
	}

	t := MessageType(b[0])
	m := New(t)
	if m == nil {
		return nil, fmt.Errorf("decode: %w: %d", ErrUnknownType, b[0])
	}

	size := SizeOf(t)
	if len(b) < size {
		return nil, fmt.Errorf("decode %s: %w (%d < %d)", t, ErrShortMessage, len(b), size)
	}

	h := m.Hdr()
	h.Flags = Flags(b[1])
	h.Seq = le.Uint32(b[4:8])

	body := b[HeaderSize:size]
	switch m := m.(type) {
	case *Enable:
		m.Token = le.Uint32(body[0:4])
		m.Val = body[4] != 0
	case *FocusIn:
		m.Token = le.Uint32(body[0:4])
		m.Focused = body[4] != 0
	case *FocusOut:
		m.Token = le.Uint32(body[0:4])
		m.Focused = body[4] != 0
	case *AddIC:
		m.Token = le.Uint32(body[0:4])
	case *DelIC:
		m.Token = le.Uint32(body[0:4])
	case *Cursor:
		m.Token = le.Uint32(body[0:4])
		m.Rect = Rect{
			X: int16(le.Uint16(body[4:6])),
			Y: int16(le.Uint16(body[6:8])),
			W: int16(le.Uint16(body[8:10])),
			H: int16(le.Uint16(body[10:12])),
		}
	case *Input:
		m.Token = le.Uint32(body[0:4])
		m.Key = int32(le.Uint32(body[4:8]))
		m.Time = le.Uint32(body[8:12])
	case *InputFeedback:
		m.Token = le.Uint32(body[0:4])
		m.Time = le.Uint32(body[4:8])
		m.Result = int32(le.Uint32(body[8:12]))
	case *Commit:
		m.ID = le.Uint32(body[0:4])
		m.Token = le.Uint32(body[4:8])
		m.Length = le.Uint32(body[8:12])
		m.Text = b[size:len(b):len(b)]
	case *Preedit:
		m.Token = le.Uint32(body[0:4])
		m.Length = le.Uint32(body[4:8])
		m.Text = b[size:len(b):len(b)]
	case *PreeditClear:
		m.Token = le.Uint32(body[0:4])
	case *Forward:
		m.Token = le.Uint32(body[0:4])
		m.Key = int32(le.Uint32(body[4:8]))
	case *AcquireToken:
		m.ID = int32(le.Uint32(body[0:4]))
		m.Token = le.Uint32(body[4:8])
		m.Outband = le.Uint64(body[8:16])
	case *ReleaseToken:
		m.ID = int32(le.Uint32(body[0:4]))
		m.Token = le.Uint32(body[4:8])
		m.Outband = le.Uint64(body[8:16])
	case *Connect:
		m.ID = int32(le.Uint32(body[0:4]))
	}

	return m, nil
}

// Codec owns the scratch buffers of one queue endpoint. The send scratch is
// shared by concurrent senders under a mutex; the receive scratch belongs to
// the single goroutine that receives, and every message returned by Receive
// borrows from it until the next Receive.
type Codec struct {
	sendMu sync.Mutex
	send   []byte
	recv   []byte
}

// NewCodec allocates scratch buffers for queues with the given message size.
func NewCodec(maxMsgSize int) *Codec {
	return &Codec{
		send: make([]byte, maxMsgSize),
		recv: make([]byte, maxMsgSize),
	}
}

// Send encodes m and sends it once; a full queue yields transport.ErrWouldBlock.
func (c *Codec) Send(q transport.Queue, m Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	n, err := Encode(c.send, m)
	if err != nil {
		return err
	}
	return q.Send(c.send[:n])
}

// SendRetry encodes m and sends it, retrying while the queue is full. It
// returns the number of retries.
func (c *Codec) SendRetry(ctx context.Context, q transport.Queue, m Message, interval time.Duration) (int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	n, err := Encode(c.send, m)
	if err != nil {
		return 0, err
	}
	return transport.SendRetry(ctx, q, c.send[:n], interval)
}

// Receive performs one non-blocking receive and decodes the result.
func (c *Codec) Receive(q transport.Queue) (Message, error) {
	n, err := q.Receive(c.recv)
	if err != nil {
		return nil, err
	}
	return Decode(c.recv[:n])
}
