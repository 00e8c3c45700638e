//go:build darwin

package permission

import "C"

//export keyvisFocusGained
func keyvisFocusGained() {
	notifyFocusGained()
}
