package server

import (
	"math"

	"github.com/tsarna/dime/pkg/dime/transport"
)

// DefaultTokenBase is the first token handed out.
const DefaultTokenBase uint32 = 100

// ActiveFocus is the single session whose keys reach the engine. Token 0
// means nobody holds focus.
type ActiveFocus struct {
	Token   uint32 `json:"token"`
	Enabled bool   `json:"enabled"`
}

// Stats is a snapshot of the registry.
type Stats struct {
	Connections int         `json:"connections"`
	Tokens      int         `json:"tokens"`
	NextToken   uint32      `json:"next_token"`
	Active      ActiveFocus `json:"active"`
}

// registry tracks connections, token ownership and focus. The broker guards
// it with its mutex.
type registry struct {
	connections map[int32]transport.Queue
	tokens      map[uint32]int32
	active      ActiveFocus

	base uint32
	next uint32
}

func newRegistry(base uint32) *registry {
	return &registry{
		connections: make(map[int32]transport.Queue),
		tokens:      make(map[uint32]int32),
		base:        base,
		next:        base,
	}
}

// allocate hands out the next token in [base, MaxUint32]. After the top of
// the range it wraps back to base, skipping tokens that are still live.
func (r *registry) allocate() (uint32, error) {
	space := uint64(math.MaxUint32) - uint64(r.base) + 1
	if uint64(len(r.tokens)) >= space {
		return 0, ErrTokenSpaceExhausted
	}

	for {
		candidate := r.next
		if r.next == math.MaxUint32 {
			r.next = r.base
		} else {
			r.next++
		}

		if _, live := r.tokens[candidate]; !live {
			return candidate, nil
		}
	}
}

// owner returns the reply queue of the connection owning token.
func (r *registry) owner(token uint32) (int32, transport.Queue, error) {
	id, ok := r.tokens[token]
	if !ok {
		return 0, nil, ErrUnknownToken
	}
	q, ok := r.connections[id]
	if !ok {
		return id, nil, ErrUnknownConnection
	}
	return id, q, nil
}

func (r *registry) stats() Stats {
	return Stats{
		Connections: len(r.connections),
		Tokens:      len(r.tokens),
		NextToken:   r.next,
		Active:      r.active,
	}
}
