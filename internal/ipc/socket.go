package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrPeerCredentialsUnsupported is returned where the platform cannot
// report the peer of a Unix socket.
var ErrPeerCredentialsUnsupported = errors.New("peer credentials not supported on this platform")

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// VerifyPeerIsCurrentUser checks if the peer is running as the current user
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return false, err
	}

	return cred.UID == os.Getuid(), nil
}

// SetSocketPermissions sets the socket file permissions
func SetSocketPermissions(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// CleanupSocket removes a stale socket file
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Only remove if it's a socket
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}

	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening checks if a socket is already listening
func IsSocketListening(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func unixConnOf(conn net.Conn) (*net.UnixConn, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("not a unix connection: %T", conn)
	}
	return unixConn, nil
}
