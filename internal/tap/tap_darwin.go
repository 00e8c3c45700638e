//go:build darwin

package tap

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework ApplicationServices -framework CoreFoundation

#include <ApplicationServices/ApplicationServices.h>
#include <pthread.h>
#include <stdint.h>
#include <stdlib.h>
#include <unistd.h>

// Defined with //export in tap_darwin_exports.go.
CGEventRef keyvisTapEvent(CGEventRef event, uintptr_t handle, int code, int down, uint64_t flags);

typedef struct {
    CFMachPortRef port;
    CFRunLoopSourceRef source;
    CFRunLoopRef loop;
    pthread_t thread;
    uintptr_t handle;
    volatile int started;
    volatile int stopping;
    volatile int disabledBySystem;
} keyvisTap;

static CGEventRef keyvisTapCallback(CGEventTapProxy proxy, CGEventType type, CGEventRef event, void *refcon) {
    keyvisTap *t = (keyvisTap *)refcon;

    // The OS disables taps whose callback stalls past its watchdog, and
    // while secure input is active. Turn it back on.
    if (type == kCGEventTapDisabledByTimeout || type == kCGEventTapDisabledByUserInput) {
        t->disabledBySystem++;
        if (!t->stopping) {
            CGEventTapEnable(t->port, true);
        }
        return event;
    }

    if (t->stopping || (type != kCGEventKeyDown && type != kCGEventKeyUp)) {
        return event;
    }

    int code = (int)CGEventGetIntegerValueField(event, kCGKeyboardEventKeycode);
    CGEventRef out = keyvisTapEvent(event, t->handle, code,
        type == kCGEventKeyDown ? 1 : 0, (uint64_t)CGEventGetFlags(event));
    return out != NULL ? out : event;
}

static void *keyvisTapThread(void *arg) {
    keyvisTap *t = (keyvisTap *)arg;

    t->loop = CFRunLoopGetCurrent();
    CFRetain(t->loop);
    CFRunLoopAddSource(t->loop, t->source, kCFRunLoopCommonModes);
    CGEventTapEnable(t->port, true);
    t->started = 1;

    while (!t->stopping) {
        CFRunLoopRunInMode(kCFRunLoopDefaultMode, 0.25, false);
    }

    CFRunLoopRemoveSource(t->loop, t->source, kCFRunLoopCommonModes);
    return NULL;
}

static void keyvisTapDestroy(keyvisTap *t) {
    t->stopping = 1;
    CGEventTapEnable(t->port, false);
    if (t->loop != NULL) {
        CFRunLoopStop(t->loop);
    }
    pthread_join(t->thread, NULL);

    CFMachPortInvalidate(t->port);
    CFRelease(t->source);
    CFRelease(t->port);
    if (t->loop != NULL) {
        CFRelease(t->loop);
    }
    free(t);
}

// Returns NULL and sets status on failure:
// -1 tap refused, -2 no run loop source, -3 no thread, -4 tap never started.
static keyvisTap *keyvisTapCreate(uintptr_t handle, int *status) {
    keyvisTap *t = calloc(1, sizeof(keyvisTap));
    if (t == NULL) {
        *status = -3;
        return NULL;
    }
    t->handle = handle;

    CGEventMask mask = CGEventMaskBit(kCGEventKeyDown) | CGEventMaskBit(kCGEventKeyUp);
    t->port = CGEventTapCreate(kCGSessionEventTap, kCGHeadInsertEventTap,
        kCGEventTapOptionDefault, mask, keyvisTapCallback, t);
    if (t->port == NULL) {
        free(t);
        *status = -1;
        return NULL;
    }

    t->source = CFMachPortCreateRunLoopSource(kCFAllocatorDefault, t->port, 0);
    if (t->source == NULL) {
        CFMachPortInvalidate(t->port);
        CFRelease(t->port);
        free(t);
        *status = -2;
        return NULL;
    }

    if (pthread_create(&t->thread, NULL, keyvisTapThread, t) != 0) {
        CFRelease(t->source);
        CFMachPortInvalidate(t->port);
        CFRelease(t->port);
        free(t);
        *status = -3;
        return NULL;
    }

    for (int i = 0; i < 100 && !t->started; i++) {
        usleep(10000);
    }
    if (!t->started) {
        keyvisTapDestroy(t);
        *status = -4;
        return NULL;
    }

    *status = 0;
    return t;
}

static int keyvisTapIsEnabled(keyvisTap *t) {
    return CGEventTapIsEnabled(t->port) ? 1 : 0;
}

static int keyvisTapDisabledCount(keyvisTap *t) {
    return t->disabledBySystem;
}

static int keyvisProcessTrusted(void) {
    return AXIsProcessTrusted() ? 1 : 0;
}

static CGEventRef keyvisBuildKey(uint16_t code, int down, uint64_t flags) {
    CGEventRef ev = CGEventCreateKeyboardEvent(NULL, (CGKeyCode)code, down ? true : false);
    if (ev == NULL) {
        return NULL;
    }
    CGEventSetFlags(ev, (CGEventFlags)flags);
    return ev;
}

static CGEventRef keyvisBuildModifier(uint16_t code, int down, uint64_t flags) {
    CGEventRef ev = keyvisBuildKey(code, down, flags);
    if (ev == NULL) {
        return NULL;
    }
    CGEventSetType(ev, kCGEventFlagsChanged);
    return ev;
}
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"sync"
	"sync/atomic"

	"keyvis/internal/keycode"
)

// systemInstaller creates CGEventTaps at session scope, inserted at the
// head of the event stream, as active filters for key-down and key-up.
type systemInstaller struct {
	seq atomic.Uint64
}

// NewSystemInstaller returns the CGEventTap installer.
func NewSystemInstaller() Installer {
	return &systemInstaller{}
}

func (s *systemInstaller) Install(h Handler) (Tap, error) {
	t := &darwinTap{id: s.seq.Add(1), handler: h}
	t.handle = cgo.NewHandle(t)

	var status C.int
	ref := C.keyvisTapCreate(C.uintptr_t(t.handle), &status)
	if ref == nil {
		t.handle.Delete()
		if status == -1 {
			if C.keyvisProcessTrusted() == 0 {
				return nil, ErrPermissionDenied
			}
			return nil, fmt.Errorf("%w: CGEventTapCreate returned NULL", ErrTapCreationFailed)
		}
		return nil, fmt.Errorf("%w: status %d", ErrTapCreationFailed, int(status))
	}
	t.ref = ref
	return t, nil
}

// darwinTap owns the C tap and the cgo.Handle the callback resolves.
type darwinTap struct {
	id      uint64
	handler Handler
	handle  cgo.Handle
	ref     *C.keyvisTap
	once    sync.Once
	closed  atomic.Bool
}

func (t *darwinTap) ID() uint64 {
	return t.id
}

func (t *darwinTap) Enabled() bool {
	if t.closed.Load() {
		return false
	}
	return C.keyvisTapIsEnabled(t.ref) == 1
}

// DisabledBySystem returns how often the OS disabled the tap (watchdog
// timeout or secure input) and the callback re-enabled it.
func (t *darwinTap) DisabledBySystem() int {
	if t.closed.Load() {
		return 0
	}
	return int(C.keyvisTapDisabledCount(t.ref))
}

func (t *darwinTap) Close() error {
	t.once.Do(func() {
		t.closed.Store(true)
		// Joins the run loop thread, so no callback can still hold the handle.
		C.keyvisTapDestroy(t.ref)
		t.ref = nil
		t.handle.Delete()
	})
	return nil
}

// dispatch runs on the tap thread. It returns nil to keep the original
// event, which the C callback substitutes.
func (t *darwinTap) dispatch(code int, down bool, flags uint64) C.CGEventRef {
	out := t.handler.HandleEvent(Event{
		Code:  keycode.Code(code),
		Down:  down,
		Flags: keycode.Flags(flags),
	})

	var built C.CGEventRef
	switch out.Action {
	case ActionKey:
		built = C.keyvisBuildKey(C.uint16_t(out.Code), boolInt(out.Down), C.uint64_t(out.Flags))
	case ActionModifier:
		built = C.keyvisBuildModifier(C.uint16_t(out.Code), boolInt(out.Down), C.uint64_t(out.Flags))
	default:
		return nil
	}
	if built == nil {
		reportFallback(t.handler, out)
	}
	return built
}

// handleTapEvent resolves the owned context from the refcon handle.
func handleTapEvent(handle uintptr, code int, down bool, flags uint64) (out C.CGEventRef) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
		}
	}()

	t, ok := cgo.Handle(handle).Value().(*darwinTap)
	if !ok || t.closed.Load() {
		return nil
	}
	return t.dispatch(code, down, flags)
}

func boolInt(b bool) C.int {
	if b {
		return 1
	}
	return 0
}
