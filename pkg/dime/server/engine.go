package server

import (
	"context"

	"github.com/tsarna/dime/pkg/dime/wire"
)

// Pusher is the part of the broker an engine uses to talk back to clients.
type Pusher interface {
	Commit(ctx context.Context, token uint32, text string) error
	Preedit(ctx context.Context, token uint32, text string) error
	PreeditClear(ctx context.Context, token uint32) error
	Forward(ctx context.Context, token uint32, key int32) error
	SendEnable(ctx context.Context, token uint32, enabled bool) error
}

// Engine receives the traffic the broker accepts. Callbacks run on the
// broker loop without the registry lock held, so they may push through p;
// a slow callback delays every client.
type Engine interface {
	// OnInput is called only for keys of the focused token.
	OnInput(ctx context.Context, p Pusher, token uint32, key int32, time uint32)
	// OnEnable is called for every ENABLE from a known token, focused or not.
	OnEnable(ctx context.Context, p Pusher, token uint32, enabled bool)
	OnFocus(ctx context.Context, p Pusher, token uint32, focused bool)
	OnCursor(ctx context.Context, p Pusher, token uint32, rect wire.Rect)
}

type nopEngine struct{}

func (nopEngine) OnInput(context.Context, Pusher, uint32, int32, uint32) {}
func (nopEngine) OnEnable(context.Context, Pusher, uint32, bool)         {}
func (nopEngine) OnFocus(context.Context, Pusher, uint32, bool)          {}
func (nopEngine) OnCursor(context.Context, Pusher, uint32, wire.Rect)    {}
