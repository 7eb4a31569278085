//go:build linux

package sessions

import (
	"net"

	"golang.org/x/sys/unix"
)

func init() {
	peerCredUID = peerCredUIDLinux
}

// peerCredUIDLinux reads SO_PEERCRED off a Unix-domain socket
// connection, per spec 4.8's "capture peer uid via SO_PEERCRED when
// available". It returns -1 for anything that isn't a UnixConn or
// where the kernel doesn't support the option.
func peerCredUIDLinux(conn net.Conn) int32 {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return -1
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return -1
	}
	var uid int32 = -1
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return
		}
		uid = int32(cred.Uid)
	})
	if ctrlErr != nil {
		return -1
	}
	return uid
}
