// Package layout tracks the active keyboard layout and turns physical key
// codes into display characters and legend labels.
//
// Change detection runs on two paths that must both stay in place: the
// OS change notifications exposed by Source.Changes, and a periodic poll
// that compares layout names. Notifications can be lost during startup
// or while a modal permission dialog is up; the poll catches those.
package layout

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"keyvis/internal/keycode"
)

var (
	// ErrLayoutQueryFailed is returned when no current input source is
	// available. The previous snapshot stays in effect.
	ErrLayoutQueryFailed = errors.New("layout: no current input source")

	// ErrTranslationUnavailable is returned when the layout has no single
	// printable character for a key.
	ErrTranslationUnavailable = errors.New("layout: translation unavailable")
)

// TranslateFunc translates a key with no modifiers and dead keys
// suppressed. It returns the produced text, which may be empty.
type TranslateFunc func(code keycode.Code) (string, error)

// Snapshot is one observed layout: its name and the translation bound to
// it. A Snapshot is immutable.
type Snapshot struct {
	name      string
	translate TranslateFunc
}

// NewSnapshot returns a snapshot for name. A nil translate means the
// layout yields no characters, as with input methods that carry no
// Unicode key-layout table.
func NewSnapshot(name string, translate TranslateFunc) *Snapshot {
	return &Snapshot{name: name, translate: translate}
}

// Name returns the layout's localized name.
func (s *Snapshot) Name() string {
	return s.name
}

// Character returns the single printable character the layout produces
// for code. Control characters, whitespace and multi-character output
// yield ErrTranslationUnavailable.
func (s *Snapshot) Character(code keycode.Code) (rune, error) {
	if s == nil || s.translate == nil || code > keycode.MaxCode {
		return 0, ErrTranslationUnavailable
	}
	text, err := s.translate(code)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTranslationUnavailable, err)
	}
	if utf8.RuneCountInString(text) != 1 {
		return 0, ErrTranslationUnavailable
	}
	r, _ := utf8.DecodeRuneInString(text)
	if r == utf8.RuneError || !unicode.IsGraphic(r) || unicode.IsSpace(r) {
		return 0, ErrTranslationUnavailable
	}
	return r, nil
}

// Source is the OS layout boundary.
type Source interface {
	// Current queries the active input source.
	Current() (*Snapshot, error)

	// Changes delivers a signal when the OS announces that the selected
	// or enabled input sources changed. It may return nil when the
	// platform has no notifications.
	Changes() <-chan struct{}

	// Close stops notifications.
	Close() error
}

// Resolver holds the current snapshot. Refresh must be called from a
// single goroutine; every read method is safe from any goroutine,
// including the tap callback.
type Resolver struct {
	source  Source
	current atomic.Pointer[Snapshot]
}

// NewResolver returns a resolver over source. Call Refresh to load the
// first snapshot.
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Refresh re-queries the source. It reports whether the layout name
// changed; an unchanged name leaves the snapshot untouched. On failure the
// previous snapshot stays in effect and the error wraps
// ErrLayoutQueryFailed.
func (r *Resolver) Refresh() (bool, error) {
	snap, err := r.source.Current()
	if err != nil {
		if errors.Is(err, ErrLayoutQueryFailed) {
			return false, err
		}
		return false, fmt.Errorf("%w: %v", ErrLayoutQueryFailed, err)
	}
	if snap == nil || snap.name == "" {
		return false, ErrLayoutQueryFailed
	}

	if prev := r.current.Load(); prev != nil && prev.name == snap.name {
		return false, nil
	}
	r.current.Store(snap)
	return true, nil
}

// Changes exposes the source's notification channel.
func (r *Resolver) Changes() <-chan struct{} {
	return r.source.Changes()
}

// Snapshot returns the current snapshot, or nil before the first
// successful Refresh.
func (r *Resolver) Snapshot() *Snapshot {
	return r.current.Load()
}

// CurrentLayoutName returns the active layout name, or "" if none has
// been observed yet.
func (r *Resolver) CurrentLayoutName() string {
	if snap := r.current.Load(); snap != nil {
		return snap.name
	}
	return ""
}

// CharacterFor returns the display character for code under the current
// layout.
func (r *Resolver) CharacterFor(code keycode.Code) (rune, bool) {
	c, err := r.current.Load().Character(code)
	return c, err == nil
}

// LabelForUI returns the upper-cased layout character for code, or the
// conventional QWERTY label of that position when the layout has none.
// The result is never empty.
func (r *Resolver) LabelForUI(code keycode.Code) string {
	if c, ok := r.CharacterFor(code); ok {
		return strings.ToUpper(string(c))
	}
	return keycode.PositionLabel(code)
}

// Close releases the source.
func (r *Resolver) Close() error {
	return r.source.Close()
}
