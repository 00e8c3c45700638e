//go:build darwin

package layout

import "C"

//export keyvisLayoutChanged
func keyvisLayoutChanged() {
	notifyLayoutChanged()
}
