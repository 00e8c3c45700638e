//go:build linux

package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// GetPeerCredentials retrieves the credentials of the peer process
// connected to a Unix socket using SO_PEERCRED.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	unixConn, err := unixConnOf(conn)
	if err != nil {
		return nil, err
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("get raw conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error

	err = rawConn.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("getsockopt SO_PEERCRED: %w", credErr)
	}

	return &PeerCredentials{
		PID: int(cred.Pid),
		UID: int(cred.Uid),
		GID: int(cred.Gid),
	}, nil
}
