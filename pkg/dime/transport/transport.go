// Package transport wraps named, bounded, non-blocking message queues.
//
// Both the broker and its clients talk through a Queue obtained from an
// Opener. The POSIX implementation uses kernel message queues (mq_overview(7));
// the Memory implementation keeps the same semantics inside one process and
// is what the tests run against.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode selects which side of a queue a handle may use.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

const (
	DefaultMaxMsgSize = 1024 // big enough to hold any message
	DefaultMaxDepth   = 10
)

// Attr holds the limits fixed when a queue is created. Both ends must agree
// on them; a mismatch is reported as ErrAttrMismatch when opening.
type Attr struct {
	MaxMsgSize int
	MaxDepth   int
}

// DefaultAttr returns the limits used by the broker unless configured otherwise.
func DefaultAttr() Attr {
	return Attr{MaxMsgSize: DefaultMaxMsgSize, MaxDepth: DefaultMaxDepth}
}

// IsValid reports whether the limits can be used to create a queue.
func (a Attr) IsValid() error {
	if a.MaxMsgSize <= 0 {
		return fmt.Errorf("max message size must be positive, got %d", a.MaxMsgSize)
	}
	if a.MaxDepth <= 0 {
		return fmt.Errorf("max depth must be positive, got %d", a.MaxDepth)
	}
	return nil
}

var (
	ErrWouldBlock      = errors.New("queue operation would block")
	ErrAttrMismatch    = errors.New("queue attributes do not match")
	ErrMessageTooLarge = errors.New("message exceeds queue message size")
	ErrBufferTooSmall  = errors.New("receive buffer smaller than queue message size")
	ErrClosed          = errors.New("queue is closed")
	ErrWrongMode       = errors.New("queue not opened for this operation")
	ErrUnsupported     = errors.New("message queues are not supported on this platform")
)

// Queue is one open handle on a named queue.
//
// Send and Receive never block: a full queue on Send and an empty queue on
// Receive both return ErrWouldBlock. Wait is the readiness notification the
// event loops are driven by.
type Queue interface {
	Name() string
	Attr() Attr
	Send(msg []byte) error
	Receive(buf []byte) (int, error)
	// Wait blocks until a message is available, the timeout elapses or ctx is
	// done. A timeout <= 0 waits for ctx only.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
	Close() error
}

// Opener creates or opens queues by name.
type Opener interface {
	Open(name string, mode Mode, attr Attr) (Queue, error)
	Unlink(name string) error
}

// SendRetry sends msg, treating a full queue as transient backpressure. It
// retries every interval until the message is accepted or ctx is done; there
// is no other bound. It returns the number of retries taken.
func SendRetry(ctx context.Context, q Queue, msg []byte, interval time.Duration) (int, error) {
	retries := 0
	for {
		err := q.Send(msg)
		if !errors.Is(err, ErrWouldBlock) {
			return retries, err
		}

		retries++
		if err := sleep(ctx, interval); err != nil {
			return retries, err
		}
	}
}

// ReceiveWait is a blocking-style receive built on the non-blocking one: it
// polls, and on ErrWouldBlock waits for readiness (at most interval) before
// polling again. Only ctx ends the wait.
func ReceiveWait(ctx context.Context, q Queue, buf []byte, interval time.Duration) (int, error) {
	for {
		n, err := q.Receive(buf)
		if !errors.Is(err, ErrWouldBlock) {
			return n, err
		}

		if _, err := q.Wait(ctx, interval); err != nil {
			return 0, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
