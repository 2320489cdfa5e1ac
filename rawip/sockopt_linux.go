package rawip

import (
	"net"

	"golang.org/x/sys/unix"
)

// setSocketBuffers sets SO_RCVBUF and SO_SNDBUF and returns the receive
// buffer size the kernel actually granted.
func setSocketBuffers(conn *net.IPConn, size int) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		got  int
		serr error
	)
	err = raw.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size); serr != nil {
			return
		}
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size); serr != nil {
			return
		}
		got, serr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
	})
	if err != nil {
		return 0, err
	}
	return got, serr
}
