// Package tap is the binding to the OS keyboard event tap.
//
// A Tap is installed with a Handler. The platform calls the handler
// synchronously for every key-down and key-up on a dedicated thread and
// turns the returned Output into the event handed back to the OS. An event
// is always handed back: when the handler asks for a new event and the OS
// refuses to build it, the original event is returned unchanged.
package tap

import (
	"errors"
	"fmt"

	"keyvis/internal/keycode"
)

var (
	// ErrPermissionDenied is returned when the process is not trusted to
	// install an event tap.
	ErrPermissionDenied = errors.New("tap: permission denied")

	// ErrTapCreationFailed is returned when the OS refuses the tap even
	// though the process appears to be trusted. This is usually a race
	// right after permission was toggled.
	ErrTapCreationFailed = errors.New("tap: creation failed")

	// ErrNotSupported is returned on platforms without an event tap.
	ErrNotSupported = errors.New("tap: not supported on this platform")
)

// Event is a key event as delivered by the OS.
type Event struct {
	Code  keycode.Code
	Down  bool
	Flags keycode.Flags
}

func (e Event) String() string {
	dir := "up"
	if e.Down {
		dir = "down"
	}
	return fmt.Sprintf("%s %s [%s]", e.Code, dir, e.Flags)
}

// Action selects how the platform builds the outgoing event.
type Action int

const (
	// ActionPassThrough returns the original event.
	ActionPassThrough Action = iota
	// ActionKey returns a new key event at Output.Code.
	ActionKey
	// ActionModifier returns a new modifier-change event for Output.Code.
	ActionModifier
)

func (a Action) String() string {
	switch a {
	case ActionKey:
		return "key"
	case ActionModifier:
		return "modifier"
	default:
		return "pass_through"
	}
}

// Output describes the event to hand back to the OS.
type Output struct {
	Action Action
	Code   keycode.Code
	Down   bool
	Flags  keycode.Flags
}

// PassThrough returns the Output that keeps the original event.
func PassThrough() Output {
	return Output{Action: ActionPassThrough}
}

// Handler decides the output for each event. HandleEvent runs on the
// tap's thread and must not block.
type Handler interface {
	HandleEvent(Event) Output
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event) Output

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ev Event) Output {
	return f(ev)
}

// FallbackRecorder is implemented by handlers that want to know when a
// replacement could not be built and the original event went out instead.
type FallbackRecorder interface {
	BuildFailed(Output)
}

func reportFallback(h Handler, out Output) {
	if r, ok := h.(FallbackRecorder); ok {
		r.BuildFailed(out)
	}
}

// Tap is a live event tap.
type Tap interface {
	// ID identifies the tap within its installer.
	ID() uint64

	// Enabled reports whether the OS still has the tap enabled.
	Enabled() bool

	// Close disables and invalidates the tap and waits for its thread to
	// exit. After Close returns the handler is never called again.
	// Close is idempotent.
	Close() error
}

// SystemDisableCounter is implemented by taps that count how often the OS
// disabled them and they turned themselves back on. Such a tap still
// reports Enabled, but events were lost in between.
type SystemDisableCounter interface {
	DisabledBySystem() int
}

// Installer creates taps.
type Installer interface {
	Install(h Handler) (Tap, error)
}
