//go:build !darwin

package mainloop

import "context"

// Run blocks until ctx is done. Only macOS needs a serviced main loop.
func Run(ctx context.Context) {
	<-ctx.Done()
}
