package layout

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyvis/internal/keycode"
)

func colemak() map[keycode.Code]string {
	chars := QWERTY()
	chars[keycode.KeyS] = "r"
	chars[keycode.KeyD] = "s"
	chars[keycode.KeyF] = "t"
	chars[keycode.KeyJ] = "n"
	chars[keycode.KeyK] = "e"
	chars[keycode.KeyL] = "i"
	chars[keycode.KeySemicolon] = "o"
	return chars
}

func TestLabelRelabelsAcrossLayouts(t *testing.T) {
	src := NewStaticSource("Colemak", colemak())
	r := NewResolver(src)

	changed, err := r.Refresh()
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, "R", r.LabelForUI(keycode.KeyS))

	// Layout B yields nothing for the S position: fall back to its
	// conventional label.
	src.Set("Pinyin - Simplified", nil, true)
	changed, err = r.Refresh()
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, "S", r.LabelForUI(keycode.KeyS))
	assert.Equal(t, "Pinyin - Simplified", r.CurrentLayoutName())
}

func TestCharacterFor(t *testing.T) {
	r := NewResolver(NewStaticSource(USName, QWERTY()))
	_, ok := r.CharacterFor(keycode.KeyA)
	assert.False(t, ok, "no snapshot before the first refresh")

	_, err := r.Refresh()
	require.NoError(t, err)

	c, ok := r.CharacterFor(keycode.KeyA)
	assert.True(t, ok)
	assert.Equal(t, 'a', c)

	c, ok = r.CharacterFor(keycode.KeySemicolon)
	assert.True(t, ok)
	assert.Equal(t, ';', c)

	for _, code := range []keycode.Code{keycode.KeySpace, keycode.KeyDelete, keycode.KeyEscape, keycode.KeyTab, keycode.KeyLeftArrow} {
		_, ok := r.CharacterFor(code)
		assert.False(t, ok, "code %d should not translate", code)
	}
}

func TestLabelForUINeverEmpty(t *testing.T) {
	r := NewResolver(NewStaticSource("Empty", map[keycode.Code]string{}))
	_, err := r.Refresh()
	require.NoError(t, err)

	for code := keycode.Code(0); code <= keycode.MaxCode; code++ {
		assert.NotEmpty(t, r.LabelForUI(code), "code %d", code)
	}
	assert.Equal(t, "Backspace", r.LabelForUI(keycode.KeyDelete))
}

func TestMultiCharacterOutputIsUnavailable(t *testing.T) {
	snap := NewSnapshot("Compose", func(code keycode.Code) (string, error) {
		return "ae", nil
	})
	_, err := snap.Character(keycode.KeyA)
	assert.ErrorIs(t, err, ErrTranslationUnavailable)

	failing := NewSnapshot("Broken", func(code keycode.Code) (string, error) {
		return "", errors.New("status -50")
	})
	_, err = failing.Character(keycode.KeyA)
	assert.ErrorIs(t, err, ErrTranslationUnavailable)
}

func TestRefreshIsNoOpForSameName(t *testing.T) {
	src := NewStaticSource(USName, QWERTY())
	r := NewResolver(src)

	_, err := r.Refresh()
	require.NoError(t, err)
	first := r.Snapshot()

	changed, err := r.Refresh()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, first, r.Snapshot())
	assert.Equal(t, 2, src.Queries())
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	src := NewStaticSource("Dvorak", QWERTY())
	r := NewResolver(src)
	_, err := r.Refresh()
	require.NoError(t, err)

	src.Fail(errors.New("no input source"))
	changed, err := r.Refresh()
	assert.False(t, changed)
	assert.ErrorIs(t, err, ErrLayoutQueryFailed)
	assert.Equal(t, "Dvorak", r.CurrentLayoutName())

	src.Set("Dvorak", QWERTY(), false)
	changed, err = r.Refresh()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSilentChangeIsSeenByPoll(t *testing.T) {
	src := NewStaticSource(USName, QWERTY())
	r := NewResolver(src)
	_, err := r.Refresh()
	require.NoError(t, err)

	src.Set("Colemak", colemak(), false)
	select {
	case <-r.Changes():
		t.Fatal("silent change should not notify")
	default:
	}

	changed, err := r.Refresh()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "Colemak", r.CurrentLayoutName())
}

func TestNotifiedChange(t *testing.T) {
	src := NewStaticSource(USName, QWERTY())
	r := NewResolver(src)

	src.Set("Colemak", colemak(), true)
	select {
	case <-r.Changes():
	default:
		t.Fatal("expected a change notification")
	}
}
