// Package engine holds Engine implementations for the dime broker: a no-op
// base, a logging wrapper and a small composing engine used by the demo
// broker.
package engine

import (
	"context"

	"github.com/tsarna/dime/pkg/dime/server"
	"github.com/tsarna/dime/pkg/dime/wire"
)

// Base ignores every callback. Embed it to implement only some of them.
type Base struct{}

func (Base) OnInput(ctx context.Context, p server.Pusher, token uint32, key int32, time uint32) {}

func (Base) OnEnable(ctx context.Context, p server.Pusher, token uint32, enabled bool) {}

func (Base) OnFocus(ctx context.Context, p server.Pusher, token uint32, focused bool) {}

func (Base) OnCursor(ctx context.Context, p server.Pusher, token uint32, rect wire.Rect) {}

var _ server.Engine = Base{}
