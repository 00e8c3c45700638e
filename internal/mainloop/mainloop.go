// Package mainloop runs the process main run loop. On macOS, input source
// and workspace notifications are delivered on the main thread's run
// loop, which must be serviced for layout and focus changes to arrive.
package mainloop
