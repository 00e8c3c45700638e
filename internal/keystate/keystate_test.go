package keystate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyvis/internal/keycode"
)

// =============================================================================
// PressedSet
// =============================================================================

func TestPressedSetRoundTrip(t *testing.T) {
	s := NewPressedSet()
	s.Press(keycode.KeyA, "a")
	before := s.Names()

	for code := keycode.Code(1); code <= keycode.MaxCode; code++ {
		s.Press(code, "n")
		s.Release(code)
		assert.Equal(t, before, s.Names(), "code %d", code)
	}
}

func TestPressedSetNoDuplicates(t *testing.T) {
	s := NewPressedSet()
	assert.True(t, s.Press(keycode.KeyEscape, "esc"))
	assert.False(t, s.Press(keycode.KeyCapsLock, "esc"))
	assert.False(t, s.Press(keycode.KeyEscape, "esc"), "auto-repeat must not change the set")
	assert.Equal(t, []string{"esc"}, s.Names())

	// esc stays pressed while Caps Lock is still held.
	assert.False(t, s.Release(keycode.KeyEscape))
	assert.True(t, s.Contains("esc"))
	assert.True(t, s.Release(keycode.KeyCapsLock))
	assert.Empty(t, s.Names())
}

func TestPressedSetReleaseUsesRecordedName(t *testing.T) {
	s := NewPressedSet()
	s.Press(keycode.KeyS, "r")

	// The layout changed while the key was held; key-up still clears "r".
	assert.True(t, s.Release(keycode.KeyS))
	assert.Equal(t, 0, s.Len())
}

func TestPressedSetReleaseUnknownCode(t *testing.T) {
	s := NewPressedSet()
	assert.False(t, s.Release(keycode.KeyA))
	assert.False(t, s.Clear())
}

func TestPressedSetRetain(t *testing.T) {
	s := NewPressedSet()
	s.Press(keycode.KeyA, "a")
	s.Press(keycode.KeyEscape, "esc")
	s.Press(keycode.KeyCapsLock, "esc")

	held := func(c keycode.Code) bool { return c != keycode.KeyA && c != keycode.KeyEscape }
	assert.True(t, s.Retain(held))
	assert.Equal(t, []string{"esc"}, s.Names(), "caps lock still holds esc")
	assert.False(t, s.Retain(held))
}

// =============================================================================
// Store
// =============================================================================

func TestStoreInitialSnapshot(t *testing.T) {
	s := NewStore()
	snap := s.Current()
	assert.Empty(t, snap.PressedKeys)
	assert.False(t, snap.HasPermission)
	assert.Equal(t, TapUninstalled, snap.Tap)
	assert.Zero(t, snap.Seq)
}

func TestStorePublishesChanges(t *testing.T) {
	s := NewStore()
	sub := s.Subscribe(8)
	defer sub.Close()

	s.SetPermission(true)
	s.Press(keycode.KeyA, "a")
	s.SetLayout("Colemak")
	s.SetRemap(true)
	s.SetTap(TapInstalled)

	want := []Change{ChangePermission, ChangeKeys, ChangeLayout, ChangeRemap, ChangeTap}
	for i, c := range want {
		u := <-sub.C
		assert.Equal(t, c, u.Changes, "update %d", i)
		assert.Equal(t, uint64(i+1), u.Snapshot.Seq)
	}

	snap := s.Current()
	assert.True(t, snap.IsPressed("a"))
	assert.Equal(t, "Colemak", snap.LayoutName)
	assert.True(t, snap.RemapEnabled)
}

func TestStoreSkipsNoOps(t *testing.T) {
	s := NewStore()
	s.SetPermission(false)
	s.SetLayout("")
	s.SetRemap(false)
	s.Release(keycode.KeyA)
	s.ClearKeys()
	assert.Zero(t, s.Current().Seq)
}

func TestStoreRevokeClearsAtomically(t *testing.T) {
	s := NewStore()
	s.SetPermission(true)
	s.Press(keycode.KeyA, "a")
	s.Press(keycode.KeySpace, "space")

	sub := s.Subscribe(4)
	defer sub.Close()

	s.Revoke()
	u := <-sub.C
	assert.True(t, u.Changes.Has(ChangeKeys|ChangePermission))
	assert.Empty(t, u.Snapshot.PressedKeys)
	assert.False(t, u.Snapshot.HasPermission)
}

func TestSnapshotsAreImmutable(t *testing.T) {
	s := NewStore()
	s.Press(keycode.KeyA, "a")
	first := s.Current()

	s.Press(keycode.KeyD, "d")
	assert.Equal(t, []string{"a"}, first.PressedKeys)
	assert.Equal(t, []string{"a", "d"}, s.Current().PressedKeys)
}

func TestSlowSubscriberGetsLatest(t *testing.T) {
	s := NewStore()
	sub := s.Subscribe(1)
	defer sub.Close()

	for code := keycode.Code(0); code < 10; code++ {
		s.Press(code, keycode.PositionLabel(code))
	}

	u := <-sub.C
	assert.Equal(t, s.Current().Seq, u.Snapshot.Seq)
}

func TestStoreClose(t *testing.T) {
	s := NewStore()
	sub := s.Subscribe(1)
	require.Equal(t, 1, s.Subscribers())

	s.Close()
	_, ok := <-sub.C
	assert.False(t, ok)

	late := s.Subscribe(1)
	_, ok = <-late.C
	assert.False(t, ok)
	assert.Equal(t, 0, s.Subscribers())
}

func TestStoreRetainPublishesOnce(t *testing.T) {
	s := NewStore()
	s.Press(keycode.KeyA, "a")
	s.Press(keycode.KeyB, "b")
	sub := s.Subscribe(4)
	defer sub.Close()

	s.Retain(func(c keycode.Code) bool { return c == keycode.KeyB })
	require.Len(t, sub.C, 1)
	u := <-sub.C
	assert.True(t, u.Changes.Has(ChangeKeys))
	assert.Equal(t, []string{"b"}, u.Snapshot.PressedKeys)

	s.Retain(func(keycode.Code) bool { return true })
	assert.Empty(t, sub.C)
}
