//go:build !darwin

package tap

// NewSystemInstaller returns an installer that always fails: only the
// macOS event tap is supported.
func NewSystemInstaller() Installer {
	return unsupported{}
}

type unsupported struct{}

func (unsupported) Install(Handler) (Tap, error) {
	return nil, ErrNotSupported
}
