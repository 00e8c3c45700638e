//go:build darwin

package layout

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework Carbon -framework CoreFoundation

#include <Carbon/Carbon.h>
#include <stdlib.h>
#include <string.h>

// Defined with //export in source_darwin_exports.go.
void keyvisLayoutChanged(void);

static int keyvisLayoutObserverToken;

static void keyvisLayoutNotify(CFNotificationCenterRef center, void *observer,
                               CFStringRef name, const void *object,
                               CFDictionaryRef userInfo) {
    keyvisLayoutChanged();
}

static void keyvisObserveLayouts(void) {
    CFNotificationCenterRef center = CFNotificationCenterGetDistributedCenter();
    CFNotificationCenterAddObserver(center, &keyvisLayoutObserverToken, keyvisLayoutNotify,
        kTISNotifySelectedKeyboardInputSourceChanged, NULL,
        CFNotificationSuspensionBehaviorDeliverImmediately);
    CFNotificationCenterAddObserver(center, &keyvisLayoutObserverToken, keyvisLayoutNotify,
        kTISNotifyEnabledKeyboardInputSourcesChanged, NULL,
        CFNotificationSuspensionBehaviorDeliverImmediately);
}

static void keyvisUnobserveLayouts(void) {
    CFNotificationCenterRemoveEveryObserver(CFNotificationCenterGetDistributedCenter(),
        &keyvisLayoutObserverToken);
}

typedef struct {
    char *name;
    void *layout;
    long layoutLen;
} keyvisLayoutInfo;

// Copies the current input source's name and Unicode key-layout table.
// Returns 0 on success, -1 when there is no current source and -2 when the
// source has no readable name. layout is NULL for input methods that
// carry no key-layout table.
static int keyvisCopyCurrentLayout(keyvisLayoutInfo *out) {
    out->name = NULL;
    out->layout = NULL;
    out->layoutLen = 0;

    TISInputSourceRef src = TISCopyCurrentKeyboardInputSource();
    if (src == NULL) {
        return -1;
    }

    CFStringRef name = (CFStringRef)TISGetInputSourceProperty(src, kTISPropertyLocalizedName);
    if (name != NULL) {
        CFIndex size = CFStringGetMaximumSizeForEncoding(CFStringGetLength(name), kCFStringEncodingUTF8) + 1;
        out->name = malloc(size);
        if (out->name != NULL && !CFStringGetCString(name, out->name, size, kCFStringEncodingUTF8)) {
            free(out->name);
            out->name = NULL;
        }
    }

    CFDataRef data = (CFDataRef)TISGetInputSourceProperty(src, kTISPropertyUnicodeKeyLayoutData);
    if (data != NULL) {
        CFIndex n = CFDataGetLength(data);
        out->layout = malloc(n);
        if (out->layout != NULL) {
            memcpy(out->layout, CFDataGetBytePtr(data), n);
            out->layoutLen = n;
        }
    }

    CFRelease(src);
    return out->name == NULL ? -2 : 0;
}

// Display-mode translation with no modifiers and dead keys suppressed.
// Returns the number of UTF-16 units written, or -1 on error.
static int keyvisTranslate(const void *layout, uint16_t code, UniChar *out, int cap) {
    UInt32 deadKeyState = 0;
    UniCharCount length = 0;
    OSStatus status = UCKeyTranslate((const UCKeyboardLayout *)layout, code,
        kUCKeyActionDisplay, 0, LMGetKbdType(),
        1 << kUCKeyTranslateNoDeadKeysBit,
        &deadKeyState, cap, &length, out);
    if (status != noErr) {
        return -1;
    }
    return (int)length;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unicode/utf16"
	"unsafe"

	"keyvis/internal/keycode"
)

var (
	systemMu      sync.Mutex
	systemChanges chan struct{}
)

// notifyLayoutChanged is called from the notification callback on the
// main run loop. It never blocks.
func notifyLayoutChanged() {
	systemMu.Lock()
	ch := systemChanges
	systemMu.Unlock()

	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// systemSource reads the layout through Text Input Sources. Notifications
// arrive on the main run loop, so the process must run
// mainloop.Run on its main thread.
type systemSource struct {
	changes chan struct{}
	once    sync.Once
}

// NewSystemSource returns the platform layout source and starts
// observing layout-change notifications.
func NewSystemSource() (Source, error) {
	s := &systemSource{changes: make(chan struct{}, 1)}

	systemMu.Lock()
	systemChanges = s.changes
	systemMu.Unlock()

	C.keyvisObserveLayouts()
	return s, nil
}

func (s *systemSource) Current() (*Snapshot, error) {
	var info C.keyvisLayoutInfo
	rc := C.keyvisCopyCurrentLayout(&info)
	defer func() {
		if info.name != nil {
			C.free(unsafe.Pointer(info.name))
		}
		if info.layout != nil {
			C.free(info.layout)
		}
	}()

	if rc != 0 {
		return nil, fmt.Errorf("%w: TIS status %d", ErrLayoutQueryFailed, int(rc))
	}

	name := C.GoString(info.name)
	if info.layout == nil || info.layoutLen == 0 {
		return NewSnapshot(name, nil), nil
	}

	table := C.GoBytes(info.layout, C.int(info.layoutLen))
	return NewSnapshot(name, func(code keycode.Code) (string, error) {
		return translate(table, code)
	}), nil
}

func translate(table []byte, code keycode.Code) (string, error) {
	var buf [4]C.UniChar
	n := C.keyvisTranslate(unsafe.Pointer(&table[0]), C.uint16_t(code), &buf[0], C.int(len(buf)))
	if n < 0 {
		return "", fmt.Errorf("UCKeyTranslate failed for code %d", code)
	}

	units := make([]uint16, int(n))
	for i := range units {
		units[i] = uint16(buf[i])
	}
	return string(utf16.Decode(units)), nil
}

func (s *systemSource) Changes() <-chan struct{} {
	return s.changes
}

func (s *systemSource) Close() error {
	s.once.Do(func() {
		C.keyvisUnobserveLayouts()

		systemMu.Lock()
		if systemChanges == s.changes {
			systemChanges = nil
		}
		systemMu.Unlock()
	})
	return nil
}
