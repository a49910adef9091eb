//go:build unix

package core

import (
	"net"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// tuneConn enables TCP_NODELAY and SO_KEEPALIVE on accepted TCP sockets.
func tuneConn(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "raw conn")
	}

	var serr error
	err = raw.Control(func(fd uintptr) {
		// Disable Nagle's algorithm
		if serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
	if err != nil {
		return errors.Wrap(err, "control socket")
	}
	return errors.Wrap(serr, "setsockopt")
}
