//go:build !darwin

package layout

// NewSystemSource returns the built-in US QWERTY table. There is no layout
// API to query on this platform and no change notifications, so the poll
// is the only refresh path and it never sees a change.
func NewSystemSource() (Source, error) {
	return NewStaticSource(USName, QWERTY()), nil
}
