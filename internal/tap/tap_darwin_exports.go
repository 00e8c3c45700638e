//go:build darwin

package tap

/*
#include <ApplicationServices/ApplicationServices.h>
#include <stdint.h>
*/
import "C"

// keyvisTapEvent is the Go side of the CGEventTap callback. Returning NULL
// tells the C side to hand back the original event.
//
//export keyvisTapEvent
func keyvisTapEvent(event C.CGEventRef, handle C.uintptr_t, code C.int, down C.int, flags C.uint64_t) C.CGEventRef {
	return handleTapEvent(uintptr(handle), int(code), down != 0, uint64(flags))
}
