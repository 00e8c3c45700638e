//go:build darwin

package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// GetPeerCredentials retrieves the credentials of the peer process
// connected to a Unix socket using LOCAL_PEERCRED and LOCAL_PEERPID.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	unixConn, err := unixConnOf(conn)
	if err != nil {
		return nil, err
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("get raw conn: %w", err)
	}

	var cred *unix.Xucred
	var pid int
	var credErr, pidErr error

	err = rawConn.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		pid, pidErr = unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERPID)
	})
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("getsockopt LOCAL_PEERCRED: %w", credErr)
	}

	pc := &PeerCredentials{UID: int(cred.Uid)}
	if cred.Ngroups > 0 {
		pc.GID = int(cred.Groups[0])
	}
	// The PID is informational; the UID is what gets checked.
	if pidErr == nil {
		pc.PID = pid
	}
	return pc, nil
}
