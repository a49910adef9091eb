//go:build !unix

package core

import "net"

func tuneConn(net.Conn) error { return nil }
