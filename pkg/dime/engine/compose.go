package engine

import (
	"context"
	"sync"

	"github.com/tsarna/dime/pkg/dime/server"
	"go.uber.org/zap"
)

// Key codes the composing engine treats specially.
const (
	KeyBackspace int32 = 0x08
	KeyEnter     int32 = '\n'
	KeyReturn    int32 = '\r'
	KeyEscape    int32 = 0x1b
	KeyDelete    int32 = 0x7f
)

// Converter turns a finished composition into the text to commit.
type Converter func(composition string) string

// Compose is a minimal engine: printable keys build a per-token composition
// shown as preedit, Enter commits it, Escape discards it and Backspace edits
// it. Keys it does not consume, and every key of a token that has not been
// enabled, are forwarded back to the client.
type Compose struct {
	Base

	logger  *zap.Logger
	convert Converter

	mu      sync.Mutex
	enabled map[uint32]bool
	comp    map[uint32][]rune
}

// NewCompose creates a composing engine. convert may be nil to commit the
// composition unchanged.
func NewCompose(logger *zap.Logger, convert Converter) *Compose {
	if logger == nil {
		logger = zap.NewNop()
	}
	if convert == nil {
		convert = func(s string) string { return s }
	}
	return &Compose{
		logger:  logger,
		convert: convert,
		enabled: make(map[uint32]bool),
		comp:    make(map[uint32][]rune),
	}
}

// Composition returns the text being composed for token.
func (e *Compose) Composition(token uint32) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.comp[token])
}

func (e *Compose) IsEnabled(token uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled[token]
}

func (e *Compose) OnEnable(ctx context.Context, p server.Pusher, token uint32, enabled bool) {
	e.mu.Lock()
	e.enabled[token] = enabled
	pending := len(e.comp[token]) > 0
	if !enabled {
		delete(e.comp, token)
	}
	e.mu.Unlock()

	if !enabled && pending {
		e.push("preedit_clear", token, p.PreeditClear(ctx, token))
	}
}

func (e *Compose) OnInput(ctx context.Context, p server.Pusher, token uint32, key int32, time uint32) {
	e.mu.Lock()
	if !e.enabled[token] {
		e.mu.Unlock()
		e.push("forward", token, p.Forward(ctx, token, key))
		return
	}

	comp := e.comp[token]
	var (
		commit  string
		preedit string
		wipe    bool
		forward bool
	)

	switch {
	case key == KeyEnter || key == KeyReturn:
		if len(comp) == 0 {
			forward = true
			break
		}
		commit = e.convert(string(comp))
		wipe = true
		delete(e.comp, token)

	case key == KeyEscape:
		if len(comp) == 0 {
			forward = true
			break
		}
		wipe = true
		delete(e.comp, token)

	case key == KeyBackspace || key == KeyDelete:
		if len(comp) == 0 {
			forward = true
			break
		}
		comp = comp[:len(comp)-1]
		e.comp[token] = comp
		if len(comp) == 0 {
			wipe = true
		} else {
			preedit = string(comp)
		}

	case key >= 0x20 && key <= 0x10ffff:
		comp = append(comp, rune(key))
		e.comp[token] = comp
		preedit = string(comp)

	default:
		forward = true
	}
	e.mu.Unlock()

	switch {
	case forward:
		e.push("forward", token, p.Forward(ctx, token, key))
	case commit != "":
		e.push("commit", token, p.Commit(ctx, token, commit))
		e.push("preedit_clear", token, p.PreeditClear(ctx, token))
	case wipe:
		e.push("preedit_clear", token, p.PreeditClear(ctx, token))
	case preedit != "":
		e.push("preedit", token, p.Preedit(ctx, token, preedit))
	}
}

func (e *Compose) OnFocus(ctx context.Context, p server.Pusher, token uint32, focused bool) {
	e.logger.Debug("Focus changed", zap.Uint32("token", token), zap.Bool("focused", focused))
}

func (e *Compose) push(what string, token uint32, err error) {
	if err != nil {
		e.logger.Warn("Push failed", zap.String("message", what), zap.Uint32("token", token), zap.Error(err))
	}
}

var _ server.Engine = (*Compose)(nil)
