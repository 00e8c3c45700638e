package keystate

import (
	"slices"

	"keyvis/internal/keycode"
)

// PressedSet is the set of currently pressed semantic key names.
//
// It remembers which physical code produced each name, so releasing a key
// removes the name recorded when it went down even if the layout changed
// in between, and a name shared by two held keys (Escape and Caps Lock
// both report "esc") stays pressed until both are up. It is not safe for
// concurrent use; the interceptor's owner goroutine is its only writer.
type PressedSet struct {
	byCode map[keycode.Code]string
}

// NewPressedSet returns an empty set.
func NewPressedSet() *PressedSet {
	return &PressedSet{byCode: make(map[keycode.Code]string)}
}

// Press records a key-down. It reports whether the set of names changed.
func (s *PressedSet) Press(code keycode.Code, name string) bool {
	before := s.Contains(name)
	if prev, ok := s.byCode[code]; ok && prev != name {
		s.byCode[code] = name
		return true
	}
	s.byCode[code] = name
	return !before
}

// Release records a key-up. It reports whether the set of names changed.
func (s *PressedSet) Release(code keycode.Code) bool {
	name, ok := s.byCode[code]
	if !ok {
		return false
	}
	delete(s.byCode, code)
	return !s.Contains(name)
}

// Retain drops every key for which held reports false. It reports
// whether the set of names changed.
func (s *PressedSet) Retain(held func(keycode.Code) bool) bool {
	before := s.Names()
	for code := range s.byCode {
		if !held(code) {
			delete(s.byCode, code)
		}
	}
	return !slices.Equal(before, s.Names())
}

// Clear empties the set. It reports whether anything was pressed.
func (s *PressedSet) Clear() bool {
	if len(s.byCode) == 0 {
		return false
	}
	clear(s.byCode)
	return true
}

// Contains reports whether any held key carries name.
func (s *PressedSet) Contains(name string) bool {
	for _, n := range s.byCode {
		if n == name {
			return true
		}
	}
	return false
}

// Names returns the distinct pressed names in sorted order.
func (s *PressedSet) Names() []string {
	names := make([]string, 0, len(s.byCode))
	for _, n := range s.byCode {
		names = append(names, n)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// Len returns the number of distinct pressed names.
func (s *PressedSet) Len() int {
	return len(s.Names())
}
