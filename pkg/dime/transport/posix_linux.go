//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pollSlice bounds each poll(2) so a cancelled context is noticed promptly.
const pollSlice = 100 * time.Millisecond

// mqAttr mirrors struct mq_attr; its fields are C longs.
type mqAttr struct {
	Flags    int
	MaxMsg   int
	MsgSize  int
	CurMsgs  int
	reserved [4]int
}

// POSIX opens kernel message queues through the mq_* system calls.
type POSIX struct {
	// Perm is the permission used when a queue is created.
	Perm uint32
}

// NewPOSIX returns an Opener for kernel message queues.
func NewPOSIX() *POSIX {
	return &POSIX{Perm: 0664}
}

// kernelName strips the leading slash: the C library does this before the
// system call, and the kernel rejects names containing '/'.
func kernelName(name string) (*byte, error) {
	return unix.BytePtrFromString(strings.TrimPrefix(name, "/"))
}

func (p *POSIX) Open(name string, mode Mode, attr Attr) (Queue, error) {
	if err := attr.IsValid(); err != nil {
		return nil, fmt.Errorf("mq_open %s: %w", name, err)
	}

	kname, err := kernelName(name)
	if err != nil {
		return nil, fmt.Errorf("mq_open %s: %w", name, err)
	}

	flags := unix.O_CREAT | unix.O_NONBLOCK | unix.O_CLOEXEC
	if mode == ModeWrite {
		flags |= unix.O_WRONLY
	} else {
		flags |= unix.O_RDONLY
	}

	want := mqAttr{MaxMsg: attr.MaxDepth, MsgSize: attr.MaxMsgSize}
	fd, _, errno := unix.Syscall6(unix.SYS_MQ_OPEN,
		uintptr(unsafe.Pointer(kname)),
		uintptr(flags),
		uintptr(p.Perm),
		uintptr(unsafe.Pointer(&want)),
		0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("mq_open %s: %w", name, errno)
	}

	var got mqAttr
	_, _, errno = unix.Syscall(unix.SYS_MQ_GETSETATTR, fd, 0, uintptr(unsafe.Pointer(&got)))
	if errno != 0 {
		unix.Close(int(fd))
		return nil, fmt.Errorf("mq_getattr %s: %w", name, errno)
	}

	// O_CREAT on an existing queue keeps its original limits.
	if got.MaxMsg != attr.MaxDepth || got.MsgSize != attr.MaxMsgSize {
		unix.Close(int(fd))
		return nil, fmt.Errorf("mq_open %s: %w: have msgsize=%d maxmsg=%d, want msgsize=%d maxmsg=%d",
			name, ErrAttrMismatch, got.MsgSize, got.MaxMsg, attr.MaxMsgSize, attr.MaxDepth)
	}

	return &posixQueue{fd: int(fd), name: name, mode: mode, attr: attr}, nil
}

func (p *POSIX) Unlink(name string) error {
	kname, err := kernelName(name)
	if err != nil {
		return fmt.Errorf("mq_unlink %s: %w", name, err)
	}

	_, _, errno := unix.Syscall(unix.SYS_MQ_UNLINK, uintptr(unsafe.Pointer(kname)), 0, 0)
	if errno != 0 && errno != unix.ENOENT {
		return fmt.Errorf("mq_unlink %s: %w", name, errno)
	}
	return nil
}

type posixQueue struct {
	fd     int
	name   string
	mode   Mode
	attr   Attr
	closed atomic.Bool
}

func (q *posixQueue) Name() string { return q.name }

func (q *posixQueue) Attr() Attr { return q.attr }

func (q *posixQueue) Send(msg []byte) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if len(msg) == 0 {
		return fmt.Errorf("mq_send %s: empty message", q.name)
	}

	_, _, errno := unix.Syscall6(unix.SYS_MQ_TIMEDSEND,
		uintptr(q.fd),
		uintptr(unsafe.Pointer(&msg[0])),
		uintptr(len(msg)),
		0, 0, 0)
	switch errno {
	case 0:
		return nil
	case unix.EAGAIN:
		return ErrWouldBlock
	case unix.EMSGSIZE:
		return fmt.Errorf("mq_send %s: %w", q.name, ErrMessageTooLarge)
	case unix.EBADF:
		return fmt.Errorf("mq_send %s: %w", q.name, ErrWrongMode)
	default:
		return fmt.Errorf("mq_send %s: %w", q.name, errno)
	}
}

func (q *posixQueue) Receive(buf []byte) (int, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	if len(buf) < q.attr.MaxMsgSize {
		return 0, fmt.Errorf("mq_receive %s: %w", q.name, ErrBufferTooSmall)
	}

	n, _, errno := unix.Syscall6(unix.SYS_MQ_TIMEDRECEIVE,
		uintptr(q.fd),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		0, 0, 0)
	switch errno {
	case 0:
		return int(n), nil
	case unix.EAGAIN:
		return 0, ErrWouldBlock
	case unix.EBADF:
		return 0, fmt.Errorf("mq_receive %s: %w", q.name, ErrWrongMode)
	default:
		return 0, fmt.Errorf("mq_receive %s: %w", q.name, errno)
	}
}

// Wait polls the descriptor; on Linux a message queue descriptor is pollable.
func (q *posixQueue) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	fds := []unix.PollFd{{Fd: int32(q.fd), Events: unix.POLLIN}}
	for {
		if q.closed.Load() {
			return false, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}

		slice := pollSlice
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return false, nil
			}
			if left < slice {
				slice = left
			}
		}

		n, err := unix.Poll(fds, int(slice.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false, fmt.Errorf("poll %s: %w", q.name, err)
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			return true, nil
		}
	}
}

func (q *posixQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return unix.Close(q.fd)
}
