// Package remap decides, per key event, whether the event passes through
// unchanged, is replaced by another key, or becomes a modifier change.
//
// The table is fixed. Only the enabled flag changes at runtime.
package remap

import (
	"fmt"
	"maps"
	"sync/atomic"

	"keyvis/internal/keycode"
)

// Kind classifies a Decision.
type Kind int

const (
	// PassThrough returns the original event.
	PassThrough Kind = iota
	// Substitute returns a new event at Decision.Code with the original flags.
	Substitute
	// SynthesizeModifier returns a modifier-key event that sets or clears
	// Decision.Modifier.
	SynthesizeModifier
)

func (k Kind) String() string {
	switch k {
	case PassThrough:
		return "pass_through"
	case Substitute:
		return "substitute"
	case SynthesizeModifier:
		return "synthesize_modifier"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Decision is the outcome of Engine.Decide.
type Decision struct {
	Kind Kind

	// Code is the substitute key for Substitute, and the modifier key
	// (for example KeyShift) for SynthesizeModifier.
	Code keycode.Code

	// Modifier is the flag bit targeted by SynthesizeModifier.
	Modifier keycode.Flags

	// Set is true when the modifier is being pressed.
	Set bool
}

// Pass is the PassThrough decision.
var Pass = Decision{Kind: PassThrough}

// SubstituteWith returns a Substitute decision.
func SubstituteWith(c keycode.Code) Decision {
	return Decision{Kind: Substitute, Code: c}
}

// Modifier returns a SynthesizeModifier decision.
func Modifier(key keycode.Code, flag keycode.Flags, set bool) Decision {
	return Decision{Kind: SynthesizeModifier, Code: key, Modifier: flag, Set: set}
}

func (d Decision) String() string {
	switch d.Kind {
	case Substitute:
		return fmt.Sprintf("substitute(%s)", d.Code)
	case SynthesizeModifier:
		op := "clear"
		if d.Set {
			op = "set"
		}
		return fmt.Sprintf("modifier(%s,%s)", d.Modifier, op)
	default:
		return d.Kind.String()
	}
}

// table maps the gaming cluster onto the keys a game expects.
var table = map[keycode.Code]keycode.Code{
	keycode.KeyS:         keycode.KeyR,
	keycode.KeyF:         keycode.KeyX,
	keycode.KeyJ:         keycode.KeyLeftArrow,
	keycode.KeyK:         keycode.KeyUpArrow,
	keycode.KeyL:         keycode.KeyDownArrow,
	keycode.KeySemicolon: keycode.KeyRightArrow,
	keycode.KeyDelete:    keycode.KeyZ,
}

// Table returns a copy of the fixed remap table.
func Table() map[keycode.Code]keycode.Code {
	return maps.Clone(table)
}

// Engine holds the enabled flag. Decide is safe to call from the tap
// callback while another goroutine calls SetEnabled.
type Engine struct {
	enabled atomic.Bool
}

// New returns an engine in the given state.
func New(enabled bool) *Engine {
	e := &Engine{}
	e.enabled.Store(enabled)
	return e
}

// SetEnabled turns remapping on or off.
func (e *Engine) SetEnabled(enabled bool) {
	e.enabled.Store(enabled)
}

// Enabled reports whether remapping is on.
func (e *Engine) Enabled() bool {
	return e.enabled.Load()
}

// Decide maps a physical key and direction to an output decision. Space
// is checked before the table: holding Space holds Shift.
func (e *Engine) Decide(code keycode.Code, isKeyDown bool) Decision {
	if !e.enabled.Load() {
		return Pass
	}
	if code == keycode.KeySpace {
		return Modifier(keycode.KeyShift, keycode.FlagShift, isKeyDown)
	}
	if target, ok := table[code]; ok {
		return SubstituteWith(target)
	}
	return Pass
}

// TargetLabel returns the legend shown on a remapped key, for example
// "←" on the J position. It reports false for keys outside the table.
func TargetLabel(code keycode.Code) (string, bool) {
	if code == keycode.KeySpace {
		return keycode.PositionLabel(keycode.KeyShift), true
	}
	target, ok := table[code]
	if !ok {
		return "", false
	}
	return keycode.PositionLabel(target), true
}
