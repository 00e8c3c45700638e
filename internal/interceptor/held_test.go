package interceptor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"keyvis/internal/keycode"
	"keyvis/internal/remap"
)

func TestHeldKeysKeepDownDecision(t *testing.T) {
	e := remap.New(true)
	k := newHeldKeys()

	down := k.decide(e, keycode.KeySpace, true)
	assert.Equal(t, remap.SynthesizeModifier, down.Kind)
	assert.True(t, down.Set)
	assert.True(t, k.isDown(keycode.KeySpace))

	e.SetEnabled(false)
	assert.Equal(t, down, k.decide(e, keycode.KeySpace, true))

	up := k.decide(e, keycode.KeySpace, false)
	assert.Equal(t, remap.SynthesizeModifier, up.Kind)
	assert.Equal(t, keycode.KeyShift, up.Code)
	assert.False(t, up.Set)
	assert.False(t, k.isDown(keycode.KeySpace))

	// Unmatched key-ups fall back to the engine.
	assert.Equal(t, remap.Pass, k.decide(e, keycode.KeySpace, false))
}

func TestHeldKeysReset(t *testing.T) {
	e := remap.New(true)
	k := newHeldKeys()

	assert.Equal(t, keycode.KeyR, k.decide(e, keycode.KeyS, true).Code)
	k.reset()
	assert.False(t, k.isDown(keycode.KeyS))

	e.SetEnabled(false)
	assert.Equal(t, remap.Pass, k.decide(e, keycode.KeyS, true))
}
