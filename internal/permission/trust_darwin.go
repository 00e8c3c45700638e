//go:build darwin

package permission

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework ApplicationServices -framework Foundation

#include <ApplicationServices/ApplicationServices.h>
#import <Foundation/Foundation.h>

static int keyvisIsTrusted(int prompt) {
    @autoreleasepool {
        NSDictionary *options = @{(__bridge id)kAXTrustedCheckOptionPrompt: prompt ? @YES : @NO};
        return AXIsProcessTrustedWithOptions((__bridge CFDictionaryRef)options) ? 1 : 0;
    }
}
*/
import "C"

// systemTrust asks the Accessibility subsystem.
type systemTrust struct{}

// NewSystemTrust returns the platform Trust.
func NewSystemTrust() Trust {
	return systemTrust{}
}

func (systemTrust) IsTrusted(prompt bool) bool {
	p := C.int(0)
	if prompt {
		p = 1
	}
	return C.keyvisIsTrusted(p) == 1
}
