package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func typeKeys(e *Compose, p *fakePusher, token uint32, keys ...int32) {
	for _, k := range keys {
		e.OnInput(context.Background(), p, token, k, 0)
	}
}

func TestComposeForwardsUntilEnabled(t *testing.T) {
	e := NewCompose(zaptest.NewLogger(t), nil)
	p := &fakePusher{}

	typeKeys(e, p, 100, 'a')
	assert.Equal(t, []push{{Kind: "forward", Token: 100, Key: 'a'}}, p.take())
	assert.False(t, e.IsEnabled(100))
}

func TestComposeCommitOnEnter(t *testing.T) {
	e := NewCompose(zaptest.NewLogger(t), strings.ToUpper)
	p := &fakePusher{}
	ctx := context.Background()

	e.OnEnable(ctx, p, 100, true)
	assert.Empty(t, p.take())

	typeKeys(e, p, 100, 'n', 'i')
	assert.Equal(t, []push{
		{Kind: "preedit", Token: 100, Text: "n"},
		{Kind: "preedit", Token: 100, Text: "ni"},
	}, p.take())
	assert.Equal(t, "ni", e.Composition(100))

	typeKeys(e, p, 100, KeyEnter)
	assert.Equal(t, []push{
		{Kind: "commit", Token: 100, Text: "NI"},
		{Kind: "clear", Token: 100},
	}, p.take())
	assert.Equal(t, "", e.Composition(100))

	// nothing composed: Enter goes back to the application
	typeKeys(e, p, 100, KeyReturn)
	assert.Equal(t, []push{{Kind: "forward", Token: 100, Key: KeyReturn}}, p.take())
}

func TestComposeEditing(t *testing.T) {
	e := NewCompose(zaptest.NewLogger(t), nil)
	p := &fakePusher{}
	e.OnEnable(context.Background(), p, 7, true)

	typeKeys(e, p, 7, '你', '好', KeyBackspace)
	pushes := p.take()
	assert.Equal(t, push{Kind: "preedit", Token: 7, Text: "你"}, pushes[len(pushes)-1])

	typeKeys(e, p, 7, KeyDelete)
	assert.Equal(t, []push{{Kind: "clear", Token: 7}}, p.take())

	typeKeys(e, p, 7, KeyBackspace, 0x01)
	assert.Equal(t, []push{
		{Kind: "forward", Token: 7, Key: KeyBackspace},
		{Kind: "forward", Token: 7, Key: 0x01},
	}, p.take())

	typeKeys(e, p, 7, 'x', KeyEscape)
	assert.Equal(t, []push{
		{Kind: "preedit", Token: 7, Text: "x"},
		{Kind: "clear", Token: 7},
	}, p.take())

	typeKeys(e, p, 7, KeyEscape)
	assert.Equal(t, []push{{Kind: "forward", Token: 7, Key: KeyEscape}}, p.take())
}

func TestComposeDisableClearsComposition(t *testing.T) {
	e := NewCompose(zaptest.NewLogger(t), nil)
	p := &fakePusher{}
	ctx := context.Background()

	e.OnEnable(ctx, p, 1, true)
	e.OnEnable(ctx, p, 2, true)
	typeKeys(e, p, 1, 'a')
	typeKeys(e, p, 2, 'b')
	p.take()

	e.OnEnable(ctx, p, 1, false)
	assert.Equal(t, []push{{Kind: "clear", Token: 1}}, p.take())
	assert.Equal(t, "", e.Composition(1))
	assert.Equal(t, "b", e.Composition(2))

	// disabling an idle token pushes nothing
	e.OnEnable(ctx, p, 1, false)
	assert.Empty(t, p.take())
}

func TestComposeSurvivesPushErrors(t *testing.T) {
	e := NewCompose(nil, nil)
	p := &fakePusher{err: assert.AnError}
	e.OnEnable(context.Background(), p, 3, true)

	typeKeys(e, p, 3, 'q')
	assert.Equal(t, "q", e.Composition(3))
	e.OnFocus(context.Background(), p, 3, true)
}
