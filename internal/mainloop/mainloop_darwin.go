//go:build darwin

package mainloop

/*
#cgo LDFLAGS: -framework CoreFoundation

#include <CoreFoundation/CoreFoundation.h>

// Returns 1 when the run loop has no sources to wait on.
static int keyvisRunMainSlice(double seconds) {
    return CFRunLoopRunInMode(kCFRunLoopDefaultMode, seconds, false) == kCFRunLoopRunFinished;
}

static void keyvisWakeMain(void) {
    CFRunLoopStop(CFRunLoopGetMain());
}
*/
import "C"

import (
	"context"
	"runtime"
	"time"
)

// The main goroutine starts on the main OS thread; keep it there.
func init() {
	runtime.LockOSThread()
}

// Run services the main run loop until ctx is done. It must be called from
// the main goroutine.
func Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		C.keyvisWakeMain()
	}()

	slice := C.double((250 * time.Millisecond).Seconds())
	for ctx.Err() == nil {
		if C.keyvisRunMainSlice(slice) == 1 {
			time.Sleep(50 * time.Millisecond)
		}
	}
}
