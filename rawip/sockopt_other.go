//go:build !linux

package rawip

import "net"

func setSocketBuffers(conn *net.IPConn, size int) (int, error) {
	if err := conn.SetReadBuffer(size); err != nil {
		return 0, err
	}
	if err := conn.SetWriteBuffer(size); err != nil {
		return 0, err
	}
	return size, nil
}
