//go:build darwin

package permission

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework AppKit -framework Foundation

#include <AppKit/AppKit.h>
#include <unistd.h>

// Defined with //export in focus_darwin_exports.go.
void keyvisFocusGained(void);

@interface KeyvisFocusObserver : NSObject
@end

@implementation KeyvisFocusObserver
- (void)appActivated:(NSNotification *)notification {
    @autoreleasepool {
        NSRunningApplication *app = [notification userInfo][NSWorkspaceApplicationKey];
        if (app != nil && app.processIdentifier == getpid()) {
            keyvisFocusGained();
        }
    }
}
@end

static KeyvisFocusObserver *keyvisFocusObserver = nil;

static void keyvisObserveFocus(void) {
    if (keyvisFocusObserver != nil) {
        return;
    }
    keyvisFocusObserver = [[KeyvisFocusObserver alloc] init];
    [[[NSWorkspace sharedWorkspace] notificationCenter]
        addObserver:keyvisFocusObserver
           selector:@selector(appActivated:)
               name:NSWorkspaceDidActivateApplicationNotification
             object:nil];
}

static void keyvisUnobserveFocus(void) {
    if (keyvisFocusObserver == nil) {
        return;
    }
    [[[NSWorkspace sharedWorkspace] notificationCenter] removeObserver:keyvisFocusObserver];
    [keyvisFocusObserver release];
    keyvisFocusObserver = nil;
}
*/
import "C"

import "sync"

var (
	focusMu sync.Mutex
	focusCh chan struct{}
)

func notifyFocusGained() {
	focusMu.Lock()
	ch := focusCh
	focusMu.Unlock()

	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// workspaceFocus observes NSWorkspace activations of this process. The
// notifications are posted on the main run loop.
type workspaceFocus struct {
	ch   chan struct{}
	once sync.Once
}

// NewSystemFocus returns the platform FocusSource.
func NewSystemFocus() FocusSource {
	f := &workspaceFocus{ch: make(chan struct{}, 1)}

	focusMu.Lock()
	focusCh = f.ch
	focusMu.Unlock()

	C.keyvisObserveFocus()
	return f
}

func (f *workspaceFocus) Activations() <-chan struct{} {
	return f.ch
}

func (f *workspaceFocus) Close() error {
	f.once.Do(func() {
		C.keyvisUnobserveFocus()

		focusMu.Lock()
		if focusCh == f.ch {
			focusCh = nil
		}
		focusMu.Unlock()
	})
	return nil
}
