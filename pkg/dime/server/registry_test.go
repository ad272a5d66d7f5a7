package server

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateSequential(t *testing.T) {
	r := newRegistry(DefaultTokenBase)
	for want := uint32(100); want < 105; want++ {
		got, err := r.allocate()
		require.NoError(t, err)
		assert.Equal(t, want, got)
		r.tokens[got] = 1
	}
}

func TestAllocateWrapsAndSkipsLiveTokens(t *testing.T) {
	base := uint32(math.MaxUint32 - 2)
	r := newRegistry(base)

	var got []uint32
	for i := 0; i < 3; i++ {
		token, err := r.allocate()
		require.NoError(t, err)
		r.tokens[token] = 1
		got = append(got, token)
	}
	assert.Equal(t, []uint32{base, base + 1, math.MaxUint32}, got)
	assert.Equal(t, base, r.next)

	_, err := r.allocate()
	assert.ErrorIs(t, err, ErrTokenSpaceExhausted)

	// free the middle one; the wrapped counter must skip the live base
	delete(r.tokens, base+1)
	token, err := r.allocate()
	require.NoError(t, err)
	assert.Equal(t, base+1, token)
	assert.NotZero(t, token)
}
