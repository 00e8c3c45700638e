// Package keycode defines macOS virtual key codes, CGEventFlags modifier
// bits, the fixed semantic names of control keys and the conventional
// QWERTY label of every physical key position.
package keycode

import (
	"fmt"
	"slices"
	"strings"
)

// Code identifies a physical key position. It is stable across layouts.
type Code uint16

// Physical key positions, named after the key found there on a US
// QWERTY keyboard.
const (
	KeyA            Code = 0
	KeyS            Code = 1
	KeyD            Code = 2
	KeyF            Code = 3
	KeyH            Code = 4
	KeyG            Code = 5
	KeyZ            Code = 6
	KeyX            Code = 7
	KeyC            Code = 8
	KeyV            Code = 9
	KeyISOSection   Code = 10
	KeyB            Code = 11
	KeyQ            Code = 12
	KeyW            Code = 13
	KeyE            Code = 14
	KeyR            Code = 15
	KeyY            Code = 16
	KeyT            Code = 17
	Key1            Code = 18
	Key2            Code = 19
	Key3            Code = 20
	Key4            Code = 21
	Key6            Code = 22
	Key5            Code = 23
	KeyEqual        Code = 24
	Key9            Code = 25
	Key7            Code = 26
	KeyMinus        Code = 27
	Key8            Code = 28
	Key0            Code = 29
	KeyRightBracket Code = 30
	KeyO            Code = 31
	KeyU            Code = 32
	KeyLeftBracket  Code = 33
	KeyI            Code = 34
	KeyP            Code = 35
	KeyReturn       Code = 36
	KeyL            Code = 37
	KeyJ            Code = 38
	KeyQuote        Code = 39
	KeyK            Code = 40
	KeySemicolon    Code = 41
	KeyBackslash    Code = 42
	KeyComma        Code = 43
	KeySlash        Code = 44
	KeyN            Code = 45
	KeyM            Code = 46
	KeyPeriod       Code = 47
	KeyTab          Code = 48
	KeySpace        Code = 49
	KeyGrave        Code = 50
	KeyDelete       Code = 51
	KeyEscape       Code = 53
	KeyRightCommand Code = 54
	KeyCommand      Code = 55
	KeyShift        Code = 56
	KeyCapsLock     Code = 57
	KeyOption       Code = 58
	KeyControl      Code = 59
	KeyRightShift   Code = 60
	KeyRightOption  Code = 61
	KeyRightControl Code = 62
	KeyFunction     Code = 63
	KeyLeftArrow    Code = 123
	KeyRightArrow   Code = 124
	KeyDownArrow    Code = 125
	KeyUpArrow      Code = 126
)

// MaxCode is the highest code the engine translates. Codes above it are
// passed through and named "unknown".
const MaxCode Code = 127

// Flags mirrors the CGEventFlags bit layout.
type Flags uint64

// Modifier bits.
const (
	FlagAlphaShift Flags = 0x00010000
	FlagShift      Flags = 0x00020000
	FlagControl    Flags = 0x00040000
	FlagAlternate  Flags = 0x00080000
	FlagCommand    Flags = 0x00100000
	FlagNumericPad Flags = 0x00200000
	FlagHelp       Flags = 0x00400000
	FlagFn         Flags = 0x00800000
)

// With returns f with m set when set is true and cleared otherwise.
func (f Flags) With(m Flags, set bool) Flags {
	if set {
		return f | m
	}
	return f &^ m
}

// Has reports whether every bit of m is set in f.
func (f Flags) Has(m Flags) bool {
	return f&m == m
}

func (f Flags) String() string {
	names := []struct {
		flag Flags
		name string
	}{
		{FlagShift, "shift"},
		{FlagControl, "control"},
		{FlagAlternate, "option"},
		{FlagCommand, "command"},
		{FlagAlphaShift, "capslock"},
		{FlagFn, "fn"},
	}
	var parts []string
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Semantic names with a fixed meaning regardless of layout.
const (
	NameEscape    = "esc"
	NameBackspace = "backspace"
	NameSpace     = "space"
	NameUnknown   = "unknown"
)

// controlNames maps the keys whose semantic name never depends on the
// layout. Caps Lock is commonly remapped to Escape in system settings,
// so both codes report "esc".
var controlNames = map[Code]string{
	KeyEscape:   NameEscape,
	KeyCapsLock: NameEscape,
	KeyDelete:   NameBackspace,
	KeySpace:    NameSpace,
}

// ControlName returns the fixed semantic name for a control key.
func ControlName(c Code) (string, bool) {
	name, ok := controlNames[c]
	return name, ok
}

// positionLabels holds the conventional QWERTY legend of each position.
var positionLabels = map[Code]string{
	KeyA: "A", KeyS: "S", KeyD: "D", KeyF: "F", KeyH: "H", KeyG: "G",
	KeyZ: "Z", KeyX: "X", KeyC: "C", KeyV: "V", KeyB: "B", KeyQ: "Q",
	KeyW: "W", KeyE: "E", KeyR: "R", KeyY: "Y", KeyT: "T", KeyO: "O",
	KeyU: "U", KeyI: "I", KeyP: "P", KeyL: "L", KeyJ: "J", KeyK: "K",
	KeyN: "N", KeyM: "M",

	Key1: "1", Key2: "2", Key3: "3", Key4: "4", Key5: "5",
	Key6: "6", Key7: "7", Key8: "8", Key9: "9", Key0: "0",

	KeyISOSection:   "§",
	KeyEqual:        "=",
	KeyMinus:        "-",
	KeyRightBracket: "]",
	KeyLeftBracket:  "[",
	KeyQuote:        "'",
	KeySemicolon:    ";",
	KeyBackslash:    "\\",
	KeyComma:        ",",
	KeySlash:        "/",
	KeyPeriod:       ".",
	KeyGrave:        "`",

	KeyReturn:       "Return",
	KeyTab:          "Tab",
	KeySpace:        "Space",
	KeyDelete:       "Backspace",
	KeyEscape:       "Esc",
	KeyCapsLock:     "Caps",
	KeyCommand:      "⌘",
	KeyRightCommand: "⌘",
	KeyShift:        "⇧",
	KeyRightShift:   "⇧",
	KeyOption:       "⌥",
	KeyRightOption:  "⌥",
	KeyControl:      "⌃",
	KeyRightControl: "⌃",
	KeyFunction:     "fn",
	KeyLeftArrow:    "←",
	KeyRightArrow:   "→",
	KeyDownArrow:    "↓",
	KeyUpArrow:      "↑",
}

// PositionLabel returns the conventional QWERTY legend for c. Unknown
// positions get their code in hex so a legend is never empty.
func PositionLabel(c Code) string {
	if l, ok := positionLabels[c]; ok {
		return l
	}
	return fmt.Sprintf("0x%02X", uint16(c))
}

// HasPositionLabel reports whether c has a named QWERTY legend.
func HasPositionLabel(c Code) bool {
	_, ok := positionLabels[c]
	return ok
}

// Positions returns every code with a named legend, in ascending order.
func Positions() []Code {
	codes := make([]Code, 0, len(positionLabels))
	for c := range positionLabels {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	return codes
}

func (c Code) String() string {
	return fmt.Sprintf("%d(%s)", uint16(c), PositionLabel(c))
}
