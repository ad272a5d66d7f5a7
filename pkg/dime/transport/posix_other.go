//go:build !linux

package transport

// POSIX is unavailable outside Linux; use Memory instead.
type POSIX struct {
	Perm uint32
}

func NewPOSIX() *POSIX {
	return &POSIX{Perm: 0664}
}

func (p *POSIX) Open(name string, mode Mode, attr Attr) (Queue, error) {
	return nil, ErrUnsupported
}

func (p *POSIX) Unlink(name string) error {
	return ErrUnsupported
}
