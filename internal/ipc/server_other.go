//go:build !darwin && !linux

package ipc

import "net"

// GetPeerCredentials is unavailable here, so every peer is rejected.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, ErrPeerCredentialsUnsupported
}
