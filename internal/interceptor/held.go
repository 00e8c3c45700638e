package interceptor

import (
	"sync"

	"keyvis/internal/keycode"
	"keyvis/internal/remap"
)

// heldKeys remembers the decision each held key went down with. Auto-repeats
// and the key-up reuse it, so a remap toggle or tap reinstall mid-press
// cannot leave Shift set or a substitute key down for the rest of the
// system. Written from the tap thread; reset by the owner whenever key
// events are lost (revoke, install failure, shutdown).
type heldKeys struct {
	mu    sync.Mutex
	codes map[keycode.Code]remap.Decision
}

func newHeldKeys() *heldKeys {
	return &heldKeys{codes: make(map[keycode.Code]remap.Decision)}
}

func (k *heldKeys) decide(e *remap.Engine, code keycode.Code, down bool) remap.Decision {
	k.mu.Lock()
	defer k.mu.Unlock()

	d, held := k.codes[code]
	if down {
		if !held {
			d = e.Decide(code, true)
			k.codes[code] = d
		}
		return d
	}
	if !held {
		return e.Decide(code, false)
	}
	delete(k.codes, code)
	if d.Kind == remap.SynthesizeModifier {
		d.Set = false
	}
	return d
}

// isDown reports whether the tap has seen code go down and not yet up.
func (k *heldKeys) isDown(code keycode.Code) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.codes[code]
	return ok
}

func (k *heldKeys) reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	clear(k.codes)
}
