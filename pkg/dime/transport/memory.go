package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an Opener whose queues live inside the current process. Queues
// are shared by name between every handle opened from the same Memory, so a
// broker and several clients can be wired together in one test binary.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
}

// NewMemory creates an empty in-process queue namespace.
func NewMemory() *Memory {
	return &Memory{queues: make(map[string]*memQueue)}
}

type memQueue struct {
	name   string
	attr   Attr
	mu     sync.Mutex
	msgs   [][]byte
	notify chan struct{}
}

// Open creates the named queue if needed and returns a handle on it.
func (m *Memory) Open(name string, mode Mode, attr Attr) (Queue, error) {
	if err := attr.IsValid(); err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{
			name:   name,
			attr:   attr,
			notify: make(chan struct{}, 1),
		}
		m.queues[name] = q
	} else if q.attr != attr {
		return nil, fmt.Errorf("open %s: %w: have %+v, want %+v", name, ErrAttrMismatch, q.attr, attr)
	}

	return &memHandle{q: q, mode: mode}, nil
}

// Unlink removes the name. Handles that are already open keep working.
func (m *Memory) Unlink(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, name)
	return nil
}

// Depth reports how many messages are waiting in the named queue.
func (m *Memory) Depth(name string) int {
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Exists reports whether a queue with this name is currently linked.
func (m *Memory) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[name]
	return ok
}

type memHandle struct {
	q      *memQueue
	mode   Mode
	closed atomic.Bool
}

func (h *memHandle) Name() string { return h.q.name }

func (h *memHandle) Attr() Attr { return h.q.attr }

func (h *memHandle) Send(msg []byte) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if h.mode != ModeWrite {
		return fmt.Errorf("send %s: %w", h.q.name, ErrWrongMode)
	}
	if len(msg) > h.q.attr.MaxMsgSize {
		return fmt.Errorf("send %s: %w (%d > %d)", h.q.name, ErrMessageTooLarge, len(msg), h.q.attr.MaxMsgSize)
	}

	h.q.mu.Lock()
	if len(h.q.msgs) >= h.q.attr.MaxDepth {
		h.q.mu.Unlock()
		return ErrWouldBlock
	}
	h.q.msgs = append(h.q.msgs, append([]byte(nil), msg...))
	h.q.mu.Unlock()

	select {
	case h.q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (h *memHandle) Receive(buf []byte) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	if h.mode != ModeRead {
		return 0, fmt.Errorf("receive %s: %w", h.q.name, ErrWrongMode)
	}
	if len(buf) < h.q.attr.MaxMsgSize {
		return 0, fmt.Errorf("receive %s: %w", h.q.name, ErrBufferTooSmall)
	}

	h.q.mu.Lock()
	defer h.q.mu.Unlock()

	if len(h.q.msgs) == 0 {
		return 0, ErrWouldBlock
	}
	msg := h.q.msgs[0]
	h.q.msgs[0] = nil
	h.q.msgs = h.q.msgs[1:]

	return copy(buf, msg), nil
}

func (h *memHandle) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		if h.closed.Load() {
			return false, ErrClosed
		}

		h.q.mu.Lock()
		ready := len(h.q.msgs) > 0
		h.q.mu.Unlock()
		if ready {
			return true, nil
		}

		select {
		case <-h.q.notify:
		case <-timer:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (h *memHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return nil
}
