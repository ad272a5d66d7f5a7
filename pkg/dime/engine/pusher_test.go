package engine

import (
	"context"
	"sync"
)

type push struct {
	Kind  string
	Token uint32
	Text  string
	Key   int32
	Value bool
}

// fakePusher records what an engine pushes.
type fakePusher struct {
	mu     sync.Mutex
	pushes []push
	err    error
}

func (p *fakePusher) add(x push) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, x)
	return p.err
}

func (p *fakePusher) Commit(ctx context.Context, token uint32, text string) error {
	return p.add(push{Kind: "commit", Token: token, Text: text})
}

func (p *fakePusher) Preedit(ctx context.Context, token uint32, text string) error {
	return p.add(push{Kind: "preedit", Token: token, Text: text})
}

func (p *fakePusher) PreeditClear(ctx context.Context, token uint32) error {
	return p.add(push{Kind: "clear", Token: token})
}

func (p *fakePusher) Forward(ctx context.Context, token uint32, key int32) error {
	return p.add(push{Kind: "forward", Token: token, Key: key})
}

func (p *fakePusher) SendEnable(ctx context.Context, token uint32, enabled bool) error {
	return p.add(push{Kind: "enable", Token: token, Value: enabled})
}

// take returns and forgets everything pushed so far.
func (p *fakePusher) take() []push {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pushes
	p.pushes = nil
	return out
}
