package layout

import (
	"strings"
	"sync"
	"unicode/utf8"

	"keyvis/internal/keycode"
)

// USName is the name reported for the built-in US QWERTY table.
const USName = "U.S."

// QWERTY returns the characters of the US layout, derived from the ASCII
// position labels.
func QWERTY() map[keycode.Code]string {
	chars := make(map[keycode.Code]string)
	for c := keycode.Code(0); c <= keycode.MaxCode; c++ {
		if !keycode.HasPositionLabel(c) {
			continue
		}
		label := keycode.PositionLabel(c)
		if len(label) == 1 && label[0] < utf8.RuneSelf {
			chars[c] = strings.ToLower(label)
		}
	}
	chars[keycode.KeySpace] = " "
	chars[keycode.KeyDelete] = "\b"
	chars[keycode.KeyEscape] = "\x1b"
	chars[keycode.KeyTab] = "\t"
	chars[keycode.KeyReturn] = "\r"
	return chars
}

// StaticSource serves layouts from in-memory tables. It backs platforms
// without a native layout API and stands in for the OS in tests.
type StaticSource struct {
	mu      sync.Mutex
	name    string
	chars   map[keycode.Code]string
	err     error
	queries int
	changes chan struct{}
}

// NewStaticSource returns a source that reports name with chars.
func NewStaticSource(name string, chars map[keycode.Code]string) *StaticSource {
	return &StaticSource{
		name:    name,
		chars:   chars,
		changes: make(chan struct{}, 1),
	}
}

// Current implements Source.
func (s *StaticSource) Current() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries++
	if s.err != nil {
		return nil, s.err
	}
	if s.chars == nil {
		return NewSnapshot(s.name, nil), nil
	}
	chars := s.chars
	return NewSnapshot(s.name, func(code keycode.Code) (string, error) {
		return chars[code], nil
	}), nil
}

// Changes implements Source.
func (s *StaticSource) Changes() <-chan struct{} {
	return s.changes
}

// Close implements Source.
func (s *StaticSource) Close() error {
	return nil
}

// Set switches the active layout. When notify is false the change is
// silent, as when the OS notification is missed, and only a poll will
// pick it up.
func (s *StaticSource) Set(name string, chars map[keycode.Code]string, notify bool) {
	s.mu.Lock()
	s.name = name
	s.chars = chars
	s.err = nil
	s.mu.Unlock()

	if notify {
		select {
		case s.changes <- struct{}{}:
		default:
		}
	}
}

// Fail makes subsequent queries return err until the next Set.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Queries returns how many times Current was called.
func (s *StaticSource) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}
