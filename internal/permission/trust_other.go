//go:build !darwin

package permission

// NewSystemTrust returns a Trust that never grants: there is no event tap
// on this platform to be trusted for.
func NewSystemTrust() Trust {
	return NewStaticTrust(false)
}

// NewSystemFocus returns a FocusSource that never fires.
func NewSystemFocus() FocusSource {
	return NewManualFocus()
}
